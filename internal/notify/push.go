package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// PushClient posts dispatch events to an external push provider (FCM-shaped
// HTTP endpoint). Best effort; the provider owns delivery and retry.
type PushClient struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushClient(endpoint, key string) *PushClient {
	return &PushClient{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushClient) Send(driverID string, payload interface{}) error {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"token": driverID,
			"data":  payload,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
