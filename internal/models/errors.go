package models

import "errors"

var ErrInvalidAddress = errors.New("address missing usable coordinates")
