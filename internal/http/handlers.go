package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/haul-dispatch/internal/dispatch"
	"github.com/example/haul-dispatch/internal/geo"
	"github.com/example/haul-dispatch/internal/ingest"
	"github.com/example/haul-dispatch/internal/ledger"
	"github.com/example/haul-dispatch/internal/models"
	"github.com/example/haul-dispatch/internal/notify"
	"github.com/example/haul-dispatch/internal/observability"
)

type Server struct {
	Coordinator *dispatch.Coordinator
	Ledger      ledger.Ledger
	GeoWriter   geo.Upserter
	Kafka       *ingest.KafkaProducer
	WSReg       *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(coord *dispatch.Coordinator, l ledger.Ledger, gw geo.Upserter, kp *ingest.KafkaProducer, ws *notify.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Coordinator: coord,
		Ledger:      l,
		GeoWriter:   gw,
		Kafka:       kp,
		WSReg:       ws,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/dispatch/start", s.handleDispatchStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/dispatch-status", s.handleDispatchStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/offers/{offer_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{offer_id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createTripRequest struct {
	CustomerID       string                `json:"customer_id"`
	Pickup           models.Address        `json:"pickup"`
	Dropoff          models.Address        `json:"dropoff"`
	Material         string                `json:"material"`
	WeightKg         float64               `json:"weight_kg"`
	VolumeM3         float64               `json:"volume_m3"`
	TruckType        string                `json:"truck_type"`
	TimePreference   models.TimePreference `json:"time_preference"`
	QuotedPriceCents int64                 `json:"quoted_price_cents"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.CustomerID == "" {
		http.Error(w, "customer_id required", http.StatusBadRequest)
		return
	}
	if err := req.Pickup.Validate(); err != nil {
		http.Error(w, "pickup: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Dropoff.Validate(); err != nil {
		http.Error(w, "dropoff: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.TimePreference == "" {
		req.TimePreference = models.TimeASAP
	}
	trip := models.Trip{
		CustomerID:       req.CustomerID,
		Pickup:           req.Pickup,
		Dropoff:          req.Dropoff,
		Material:         req.Material,
		WeightKg:         req.WeightKg,
		VolumeM3:         req.VolumeM3,
		TruckType:        req.TruckType,
		TimePreference:   req.TimePreference,
		QuotedPriceCents: req.QuotedPriceCents,
		Status:           models.TripPending,
	}
	if err := s.Ledger.CreateTrip(r.Context(), &trip); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleDispatchStart(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	if err := s.Coordinator.Start(r.Context(), tripID); err != nil {
		s.fail(w, err)
		return
	}
	trip, err := s.Ledger.GetTrip(r.Context(), tripID)
	if err != nil {
		s.fail(w, err)
		return
	}
	offers, err := s.Ledger.ListOffers(r.Context(), tripID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse(trip, offers))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	if err := s.Coordinator.Cancel(r.Context(), tripID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"trip_id": tripID, "status": string(models.TripCancelled)})
}

func (s *Server) handleDispatchStatus(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	trip, err := s.Ledger.GetTrip(r.Context(), tripID)
	if err != nil {
		s.fail(w, err)
		return
	}
	offers, err := s.Ledger.ListOffers(r.Context(), tripID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(trip, offers))
}

type offerActionRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	offer, driverID, ok := s.resolveOfferAction(w, r)
	if !ok {
		return
	}
	trip, err := s.Coordinator.HandleAccept(r.Context(), offer.TripID, driverID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trip_id":            trip.ID,
		"status":             trip.Status,
		"assigned_driver_id": trip.AssignedDriverID,
	})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	offer, driverID, ok := s.resolveOfferAction(w, r)
	if !ok {
		return
	}
	if err := s.Coordinator.HandleDecline(r.Context(), offer.TripID, driverID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"trip_id": offer.TripID, "offer_id": offer.ID, "result": "declined"})
}

func (s *Server) resolveOfferAction(w http.ResponseWriter, r *http.Request) (models.Offer, string, bool) {
	offerID := mux.Vars(r)["offer_id"]
	var req offerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return models.Offer{}, "", false
	}
	if req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return models.Offer{}, "", false
	}
	offer, err := s.Ledger.GetOffer(r.Context(), offerID)
	if err != nil {
		s.fail(w, err)
		return models.Offer{}, "", false
	}
	return offer, req.DriverID, true
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.DriverPing
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(p); err != nil {
			s.logger.Warn("location publish failed", "driver_id", p.DriverID, "error", err)
		}
	}
	if s.GeoWriter != nil {
		d := models.DriverCandidate{
			DriverID:  p.DriverID,
			Loc:       p.Loc,
			Updated:   p.Updated,
			Available: p.Available,
			Approved:  p.Approved,
			TruckType: p.TruckType,
		}
		if err := s.GeoWriter.Upsert(r.Context(), d); err != nil {
			s.logger.Warn("geo upsert failed", "driver_id", p.DriverID, "error", err)
			http.Error(w, "location store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	observability.DriversOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

// statusResponse is the customer-facing dispatch view. Concurrency-contract
// details never appear here; only the terminal outcomes get a message.
func statusResponse(trip models.Trip, offers []models.Offer) map[string]any {
	resp := map[string]any{
		"trip_id":     trip.ID,
		"status":      trip.Status,
		"offers_made": len(offers),
	}
	if trip.AssignedDriverID != "" {
		resp["assigned_driver_id"] = trip.AssignedDriverID
	}
	if trip.Status == models.TripNoDrivers {
		if trip.FailureReason == dispatch.ReasonGeoUnavailable {
			resp["message"] = "please try again"
		} else {
			resp["message"] = "no drivers available right now"
		}
	}
	return resp
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrTripNotFound), errors.Is(err, ledger.ErrOfferNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrOfferExpired):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, ledger.ErrNotYours),
		errors.Is(err, ledger.ErrAlreadyResolved),
		errors.Is(err, ledger.ErrAlreadyOffering),
		errors.Is(err, ledger.ErrNotDispatchable),
		errors.Is(err, dispatch.ErrNotASAP):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
