package push

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/realtime"
)

// Device credentials on device-scoped requests. Subscription requests name
// the acting device in DeviceIDHeader.
const (
	SecretHeader   = "X-Device-Secret"
	DeviceIDHeader = "X-Device-Id"
)

// Publisher delivers a message to realtime subscribers of a topic and
// returns the number of subscribers reached.
type Publisher interface {
	Publish(topic, event string, payload any) int
}

// Handler provides the push HTTP API.
type Handler struct {
	store     *Store
	publisher Publisher
}

// NewHandler creates a push handler.
func NewHandler(store *Store, publisher Publisher) *Handler {
	return &Handler{store: store, publisher: publisher}
}

// RegisterRoutes registers all push routes on the given router.
// Mounts at /push/v1 behind API key authentication.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/deviceRegistrations", func(r chi.Router) {
		r.Post("/", h.RegisterDevice)
		r.Get("/{deviceId}", h.GetDevice)
		r.Delete("/{deviceId}", h.DeleteDevice)
		r.Get("/{deviceId}/notifications", h.ListNotifications)
	})
	r.Route("/channelSubscriptions", func(r chi.Router) {
		r.Post("/", h.SaveSubscription)
		r.Get("/", h.ListSubscriptions)
		r.Delete("/", h.RemoveSubscriptions)
	})
	r.Get("/channels", h.ListChannels)
	r.Post("/publish", h.Publish)
}

// RegisterRequest is the body of a device registration.
type RegisterRequest struct {
	DeviceDetails
	Secret string `json:"deviceSecret"`
}

// PublishRequest is the body of an admin push. It targets either one
// device or every device subscribed to a channel.
type PublishRequest struct {
	DeviceID string `json:"deviceId,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// PublishResponse reports sent notifications. Notification is set for a
// device push, Notifications for a channel push.
type PublishResponse struct {
	Notification  *Notification   `json:"notification,omitempty"`
	Notifications []*Notification `json:"notifications,omitempty"`
	Delivered     int             `json:"delivered"`
}

func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, &Error{StatusCode: http.StatusBadRequest, ErrorCode: "invalid_json", Message: "Invalid JSON body"})
		return
	}
	if req.ID == "" || req.Secret == "" || req.Platform == "" || req.FormFactor == "" {
		h.jsonError(w, &Error{StatusCode: http.StatusBadRequest, ErrorCode: "invalid_request", Message: "id, deviceSecret, platform and formFactor are required"})
		return
	}

	d, err := h.store.Register(r.Context(), &req.DeviceDetails, req.Secret)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	log.Debug("push: device registered", "device_id", d.ID, "client_id", d.ClientID)
	h.jsonResponse(w, http.StatusCreated, d)
}

func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeDevice(w, r)
	if !ok {
		return
	}
	d, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, d)
}

func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeDevice(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		h.jsonError(w, err)
		return
	}
	log.Debug("push: device deregistered", "device_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeDevice(w, r)
	if !ok {
		return
	}
	ns, err := h.store.Notifications(r.Context(), id)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, ns)
}

// Publish records a notification for a device, or for each device
// subscribed to a channel, and delivers it on the device's realtime topic.
// It requires the service role.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	if !isService(r) {
		h.jsonError(w, errServiceRole)
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, &Error{StatusCode: http.StatusBadRequest, ErrorCode: "invalid_json", Message: "Invalid JSON body"})
		return
	}
	if (req.DeviceID == "") == (req.Channel == "") || req.Title == "" {
		h.jsonError(w, &Error{StatusCode: http.StatusBadRequest, ErrorCode: "invalid_request", Message: "title and exactly one of deviceId and channel are required"})
		return
	}

	if req.Channel != "" {
		h.publishChannel(w, r, req)
		return
	}

	if _, err := h.store.Get(r.Context(), req.DeviceID); err != nil {
		h.jsonError(w, err)
		return
	}
	n, delivered, err := h.send(r, req.DeviceID, req.Title, req.Body)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	log.Info("push: notification sent", "device_id", req.DeviceID, "delivered", delivered)
	h.jsonResponse(w, http.StatusCreated, &PublishResponse{Notification: n, Delivered: delivered})
}

func (h *Handler) publishChannel(w http.ResponseWriter, r *http.Request, req PublishRequest) {
	ids, err := h.store.SubscribedDevices(r.Context(), req.Channel)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	resp := &PublishResponse{Notifications: []*Notification{}}
	for _, id := range ids {
		n, delivered, err := h.send(r, id, req.Title, req.Body)
		if err != nil {
			h.jsonError(w, err)
			return
		}
		resp.Notifications = append(resp.Notifications, n)
		resp.Delivered += delivered
	}
	log.Info("push: channel notification sent", "channel", req.Channel, "devices", len(ids), "delivered", resp.Delivered)
	h.jsonResponse(w, http.StatusCreated, resp)
}

func (h *Handler) send(r *http.Request, deviceID, title, body string) (*Notification, int, error) {
	n, err := h.store.RecordNotification(r.Context(), deviceID, title, body)
	if err != nil {
		return nil, 0, err
	}
	return n, h.publisher.Publish(Topic(deviceID), EventNotification, n), nil
}

// SaveSubscription subscribes a device or client id to a channel.
func (h *Handler) SaveSubscription(w http.ResponseWriter, r *http.Request) {
	var sub ChannelSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.jsonError(w, &Error{StatusCode: http.StatusBadRequest, ErrorCode: "invalid_json", Message: "Invalid JSON body"})
		return
	}
	if err := sub.Validate(); err != nil {
		h.jsonError(w, err)
		return
	}
	if err := h.authorizeSubscription(r, sub.DeviceID, sub.ClientID); err != nil {
		h.jsonError(w, err)
		return
	}
	if err := h.store.SaveSubscription(r.Context(), sub); err != nil {
		h.jsonError(w, err)
		return
	}
	log.Debug("push: channel subscription saved", "channel", sub.Channel, "device_id", sub.DeviceID, "client_id", sub.ClientID)
	h.jsonResponse(w, http.StatusCreated, sub)
}

// ListSubscriptions lists subscriptions filtered by the channel, deviceId
// and clientId query parameters.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	if err := h.authorizeSubscription(r, f.DeviceID, f.ClientID); err != nil {
		h.jsonError(w, err)
		return
	}
	subs, err := h.store.Subscriptions(r.Context(), f)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, subs)
}

// RemoveSubscriptions deletes the subscriptions matching the query
// parameters. At least one parameter is required.
func (h *Handler) RemoveSubscriptions(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	if f.empty() {
		h.jsonError(w, ErrEmptyFilter)
		return
	}
	if err := h.authorizeSubscription(r, f.DeviceID, f.ClientID); err != nil {
		h.jsonError(w, err)
		return
	}
	n, err := h.store.RemoveSubscriptions(r.Context(), f)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	log.Debug("push: channel subscriptions removed", "channel", f.Channel, "device_id", f.DeviceID, "client_id", f.ClientID, "removed", n)
	w.WriteHeader(http.StatusNoContent)
}

// ListChannels lists channels with subscriptions. It requires the service
// role.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	if !isService(r) {
		h.jsonError(w, errServiceRole)
		return
	}
	chs, err := h.store.SubscribedChannels(r.Context())
	if err != nil {
		h.jsonError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, chs)
}

func filterFromQuery(r *http.Request) SubscriptionFilter {
	q := r.URL.Query()
	return SubscriptionFilter{
		Channel:  q.Get("channel"),
		DeviceID: q.Get("deviceId"),
		ClientID: q.Get("clientId"),
	}
}

var errServiceRole = &Error{StatusCode: http.StatusForbidden, ErrorCode: "forbidden", Message: "service role required"}

func isService(r *http.Request) bool {
	return realtime.RoleFromContext(r.Context()) == realtime.RoleService
}

// authorizeSubscription admits the service role for any subscription. A
// device authenticated by its id and secret headers may only act on its own
// device id or the client id it registered with.
func (h *Handler) authorizeSubscription(r *http.Request, deviceID, clientID string) error {
	if isService(r) {
		return nil
	}
	caller := r.Header.Get(DeviceIDHeader)
	if caller == "" || (deviceID == "" && clientID == "") {
		return errServiceRole
	}
	if err := h.store.Verify(r.Context(), caller, r.Header.Get(SecretHeader)); err != nil {
		return err
	}
	if deviceID != "" && deviceID != caller {
		return &Error{StatusCode: http.StatusForbidden, ErrorCode: "forbidden", Message: "device may only manage its own subscriptions"}
	}
	if clientID != "" {
		d, err := h.store.Get(r.Context(), caller)
		if err != nil {
			return err
		}
		if d.ClientID != clientID {
			return &Error{StatusCode: http.StatusForbidden, ErrorCode: "forbidden", Message: "client id does not match the device"}
		}
	}
	return nil
}

// authorizeDevice checks the device secret header for the device in the
// path.
func (h *Handler) authorizeDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "deviceId")
	if err := h.store.Verify(r.Context(), id, r.Header.Get(SecretHeader)); err != nil {
		h.jsonError(w, err)
		return "", false
	}
	return id, true
}

// Error response helper
func (h *Handler) jsonError(w http.ResponseWriter, err error) {
	var pe *Error
	switch {
	case errors.As(err, &pe):
	case errors.Is(err, ErrDeviceNotFound):
		pe = &Error{StatusCode: http.StatusNotFound, ErrorCode: "not_found", Message: err.Error()}
	case errors.Is(err, ErrInvalidSecret):
		pe = &Error{StatusCode: http.StatusUnauthorized, ErrorCode: "invalid_secret", Message: err.Error()}
	case errors.Is(err, ErrInvalidSubscription):
		pe = &Error{StatusCode: http.StatusBadRequest, ErrorCode: "invalid_subscription", Message: err.Error()}
	case errors.Is(err, ErrEmptyFilter):
		pe = &Error{StatusCode: http.StatusBadRequest, ErrorCode: "empty_filter", Message: err.Error()}
	default:
		log.Error("push: request failed", "error", err.Error())
		pe = &Error{StatusCode: http.StatusInternalServerError, ErrorCode: "internal", Message: err.Error()}
	}
	h.jsonResponse(w, pe.StatusCode, pe)
}

// JSON response helper
func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
