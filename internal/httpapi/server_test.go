package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/waytrail/routes/internal/auth"
	"github.com/waytrail/routes/internal/realtime"
	"github.com/waytrail/routes/internal/route"
)

const testSecret = "test-secret"

func mintToken(t *testing.T, userID uuid.UUID, tokenType string) string {
	t.Helper()
	claims := auth.Claims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

type fakeService struct {
	created   *route.Route
	createErr error
	found     *route.Route
	findErr   error
	list      []*route.Route
	token     string
	shareErr  error
}

func (f *fakeService) Create(_ context.Context, userID uuid.UUID, in route.CreateInput) (*route.Route, error) {
	if f.createErr != nil {
		return f.created, f.createErr
	}
	r := &route.Route{ID: uuid.New(), UserID: userID, Name: in.Name, Points: in.Points}
	f.created = r
	return r, nil
}

func (f *fakeService) Update(_ context.Context, userID, routeID uuid.UUID, in route.UpdateInput) (*route.Route, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	r := &route.Route{ID: routeID, UserID: userID}
	if in.Name != nil {
		r.Name = *in.Name
	}
	return r, nil
}

func (f *fakeService) Get(_ context.Context, _, _ uuid.UUID) (*route.Route, error) {
	return f.found, f.findErr
}

func (f *fakeService) List(_ context.Context, _ uuid.UUID) ([]*route.Route, error) {
	return f.list, nil
}

func (f *fakeService) Share(_ context.Context, _, _ uuid.UUID) (string, error) {
	return f.token, f.shareErr
}

func (f *fakeService) GetShared(_ context.Context, _ string) (*route.Route, error) {
	return f.found, f.findErr
}

type fakeQueueStatus struct{ connected bool }

func (f *fakeQueueStatus) IsConnected() bool { return f.connected }

func newTestServer(svc RouteService) *Server {
	return NewServer(":0", svc, realtime.NewHub(), auth.NewVerifier(testSecret),
		nil, &fakeQueueStatus{connected: true}, zap.NewNop())
}

func doRequest(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestCreateRoute(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)
	userID := uuid.New()
	token := mintToken(t, userID, auth.TokenTypeAccess)

	w := doRequest(s, http.MethodPost, "/api/v1/routes", token, route.CreateInput{
		Name:   "river walk",
		Points: []route.Point{{Lat: 44.8, Lng: 20.4}},
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", w.Code, w.Body.String())
	}
	var got route.Route
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Name != "river walk" {
		t.Errorf("name = %s, want river walk", got.Name)
	}
	if got.UserID != userID {
		t.Errorf("user_id = %s, want %s", got.UserID, userID)
	}
}

func TestCreateRouteRequiresAuth(t *testing.T) {
	s := newTestServer(&fakeService{})

	w := doRequest(s, http.MethodPost, "/api/v1/routes", "", route.CreateInput{Name: "x"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}
}

func TestRefreshTokenRejected(t *testing.T) {
	s := newTestServer(&fakeService{})
	token := mintToken(t, uuid.New(), auth.TokenTypeRefresh)

	w := doRequest(s, http.MethodGet, "/api/v1/routes", token, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("refresh token: status = %d, want 401", w.Code)
	}
}

func TestCreateRouteValidationError(t *testing.T) {
	svc := &fakeService{createErr: &route.ValidationError{Field: "name", Reason: "must not be empty"}}
	s := newTestServer(svc)
	token := mintToken(t, uuid.New(), auth.TokenTypeAccess)

	w := doRequest(s, http.MethodPost, "/api/v1/routes", token, route.CreateInput{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "name") {
		t.Errorf("body %s does not name the offending field", w.Body.String())
	}
}

func TestCreateRouteTransportError(t *testing.T) {
	persisted := &route.Route{ID: uuid.New(), Name: "saved anyway"}
	svc := &fakeService{
		created:   persisted,
		createErr: fmt.Errorf("%w: nats timeout", route.ErrTransport),
	}
	s := newTestServer(svc)
	token := mintToken(t, uuid.New(), auth.TokenTypeAccess)

	w := doRequest(s, http.MethodPost, "/api/v1/routes", token, route.CreateInput{
		Name:   "saved anyway",
		Points: []route.Point{{Lat: 1, Lng: 2}},
	})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var body struct {
		Route *route.Route `json:"route"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Route == nil || body.Route.ID != persisted.ID {
		t.Errorf("response does not carry the persisted route: %+v", body.Route)
	}
}

func TestGetRouteNotFound(t *testing.T) {
	svc := &fakeService{findErr: route.ErrNotFound}
	s := newTestServer(svc)
	token := mintToken(t, uuid.New(), auth.TokenTypeAccess)

	w := doRequest(s, http.MethodGet, "/api/v1/routes/"+uuid.NewString(), token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetRouteBadID(t *testing.T) {
	s := newTestServer(&fakeService{})
	token := mintToken(t, uuid.New(), auth.TokenTypeAccess)

	w := doRequest(s, http.MethodGet, "/api/v1/routes/not-a-uuid", token, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestListRoutesEmptyIsArray(t *testing.T) {
	s := newTestServer(&fakeService{})
	token := mintToken(t, uuid.New(), auth.TokenTypeAccess)

	w := doRequest(s, http.MethodGet, "/api/v1/routes", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestShareRoute(t *testing.T) {
	svc := &fakeService{token: "abcd1234"}
	s := newTestServer(svc)
	token := mintToken(t, uuid.New(), auth.TokenTypeAccess)

	w := doRequest(s, http.MethodPost, "/api/v1/routes/"+uuid.NewString()+"/share", token, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["share_token"] != "abcd1234" {
		t.Errorf("share_token = %s, want abcd1234", body["share_token"])
	}
}

func TestGetSharedNeedsNoAuth(t *testing.T) {
	svc := &fakeService{found: &route.Route{ID: uuid.New(), Name: "public loop"}}
	s := newTestServer(svc)

	w := doRequest(s, http.MethodGet, "/api/v1/routes/shared/abcd1234", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestReadyzQueueDisconnected(t *testing.T) {
	s := NewServer(":0", &fakeService{}, realtime.NewHub(), auth.NewVerifier(testSecret),
		nil, &fakeQueueStatus{connected: false}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	checks := body["checks"].(map[string]any)
	if checks["nats"] != "disconnected" {
		t.Errorf("nats check = %v, want disconnected", checks["nats"])
	}
}

func TestWebsocketRequiresToken(t *testing.T) {
	s := newTestServer(&fakeService{})
	ts := httptest.NewServer(s.srv.Handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/routes/ws/" + uuid.NewString()
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %v, want 401", resp)
	}
}

func TestWebsocketDeliversEvents(t *testing.T) {
	hub := realtime.NewHub()
	s := NewServer(":0", &fakeService{}, hub, auth.NewVerifier(testSecret),
		nil, &fakeQueueStatus{connected: true}, zap.NewNop())
	ts := httptest.NewServer(s.srv.Handler)
	defer ts.Close()

	routeID := uuid.New()
	token := mintToken(t, uuid.New(), auth.TokenTypeAccess)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/routes/ws/" + routeID.String() + "?token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered during the handshake handler;
	// wait for it before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for !hub.HasChannel(routeID) {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := []byte(`{"type":"photo_update","route_id":"` + routeID.String() + `","points":[]}`)
	if !hub.Publish(routeID, want) {
		t.Fatal("publish found no channel")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("frame = %s, want %s", got, want)
	}
}
