package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/empati/empati/pkg"
	"github.com/empati/empati/pkg/gps"
	"github.com/empati/empati/pkg/logx"
)

// fakeMessage implements MQTT.Message
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return true }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// doneToken is an already completed MQTT.Token
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// fakeClient records publishes and subscriptions
type fakeClient struct {
	mu         sync.Mutex
	published  map[string][]byte
	retained   map[string]bool
	subscribed map[string]MQTT.MessageHandler
	publishErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		published:  make(map[string][]byte),
		retained:   make(map[string]bool),
		subscribed: make(map[string]MQTT.MessageHandler),
	}
}

func (f *fakeClient) IsConnected() bool      { return true }
func (f *fakeClient) IsConnectionOpen() bool { return true }
func (f *fakeClient) Connect() MQTT.Token    { return doneToken{} }
func (f *fakeClient) Disconnect(uint)        {}
func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return doneToken{err: f.publishErr}
	}
	f.published[topic] = payload.([]byte)
	f.retained[topic] = retained
	return doneToken{}
}
func (f *fakeClient) Subscribe(topic string, qos byte, cb MQTT.MessageHandler) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = cb
	return doneToken{}
}
func (f *fakeClient) SubscribeMultiple(map[string]byte, MQTT.MessageHandler) MQTT.Token {
	return doneToken{}
}
func (f *fakeClient) Unsubscribe(topics ...string) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.subscribed, t)
	}
	return doneToken{}
}
func (f *fakeClient) AddRoute(string, MQTT.MessageHandler)    {}
func (f *fakeClient) OptionsReader() MQTT.ClientOptionsReader { return MQTT.ClientOptionsReader{} }

func (f *fakeClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	var handlers []MQTT.MessageHandler
	for filter, handler := range f.subscribed {
		if topicMatches(filter, topic) {
			handlers = append(handlers, handler)
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(f, fakeMessage{topic: topic, payload: payload})
	}
}

// topicMatches supports the single level wildcard only
func topicMatches(filter, topic string) bool {
	fp, tp := strings.Split(filter, "/"), strings.Split(topic, "/")
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

func newTestClient() (*Client, *fakeClient) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	c := NewClient(cfg, logx.NewWithWriter("error", io.Discard))
	fc := newFakeClient()
	c.client = fc
	c.connected = true
	return c, fc
}

func markerPayload(t *testing.T, m pkg.Marker) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestConfigTopics(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.MarkerTopic("abc"); got != "empati/markers/abc" {
		t.Errorf("MarkerTopic = %q", got)
	}
	if got := cfg.MarkersFilter(); got != "empati/markers/+" {
		t.Errorf("MarkersFilter = %q", got)
	}
	if got := cfg.FixesTopic(); got != "empati/fixes" {
		t.Errorf("FixesTopic = %q", got)
	}
}

func TestMarkerID(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"empati/markers/abc", "abc", true},
		{"empati/markers/", "", false},
		{"empati/markers/a/b", "", false},
		{"other/markers/abc", "", false},
		{"empati/fixes", "", false},
	}
	for _, tt := range tests {
		got, ok := markerID("empati", tt.topic)
		if got != tt.want || ok != tt.ok {
			t.Errorf("markerID(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}

func TestClientSnapshots(t *testing.T) {
	c, fc := newTestClient()

	var snapshots [][]pkg.Marker
	unsubscribe, err := c.Subscribe(context.Background(), func(ms []pkg.Marker) {
		snapshots = append(snapshots, ms)
	}, func(error) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	a := pkg.Marker{ID: "a", Latitude: 41, Longitude: 29, AddedBy: pkg.Anonymous(), CreatedAt: 1000, Kind: pkg.KindCat}
	b := pkg.Marker{ID: "b", Latitude: 41, Longitude: 29, AddedBy: pkg.Named("Oya"), CreatedAt: 2000, Kind: pkg.KindDog}

	fc.deliver("empati/markers/b", markerPayload(t, b))
	fc.deliver("empati/markers/a", markerPayload(t, a))
	fc.deliver("empati/markers/bad", []byte("{not json"))
	fc.deliver("empati/markers/b", nil)

	if len(snapshots) != 3 {
		t.Fatalf("got %d snapshots; want 3", len(snapshots))
	}
	if got := snapshots[1]; len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("second snapshot = %+v", got)
	}
	if !snapshots[1][0].AddedBy.IsAnonymous() {
		t.Error("sentinel author should decode to anonymous")
	}
	if got := snapshots[2]; len(got) != 1 || got[0].ID != "a" {
		t.Errorf("snapshot after delete = %+v", got)
	}

	if _, err := c.Subscribe(context.Background(), func([]pkg.Marker) {}, func(error) {}); !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("second Subscribe error = %v", err)
	}

	unsubscribe()
	fc.mu.Lock()
	_, still := fc.subscribed["empati/markers/+"]
	fc.mu.Unlock()
	if still {
		t.Error("unsubscribe did not remove the broker subscription")
	}
}

func TestClientSubscribeRequiresConnection(t *testing.T) {
	c := NewClient(DefaultConfig(), logx.NewWithWriter("error", io.Discard))
	if _, err := c.Subscribe(context.Background(), func([]pkg.Marker) {}, func(error) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v; want ErrNotConnected", err)
	}
	if err := c.Create(context.Background(), pkg.Marker{ID: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v; want ErrNotConnected", err)
	}
}

func TestClientConnectionLostReportsError(t *testing.T) {
	c, _ := newTestClient()

	var got error
	if _, err := c.Subscribe(context.Background(), func([]pkg.Marker) {}, func(err error) { got = err }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	c.onConnectionLost(nil, errors.New("EOF"))
	if got == nil {
		t.Fatal("connection loss not reported to subscriber")
	}
	if c.IsConnected() {
		t.Error("client still reports connected")
	}
}

func TestClientCreatePublishesRetained(t *testing.T) {
	c, fc := newTestClient()
	m := pkg.Marker{ID: "m1", Latitude: 41.1, Longitude: 29.1, AddedBy: pkg.Named("Nur"), CreatedAt: 5000, Kind: pkg.KindBoth}

	if err := c.Create(context.Background(), m); err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload, ok := fc.published["empati/markers/m1"]
	if !ok {
		t.Fatal("marker not published on its topic")
	}
	if !fc.retained["empati/markers/m1"] {
		t.Error("marker message must be retained")
	}
	decoded, err := decodeMarker("m1", payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != m {
		t.Errorf("decoded %+v; want %+v", decoded, m)
	}

	fc.publishErr = errors.New("not authorized")
	if err := c.Create(context.Background(), m); err == nil {
		t.Error("expected publish failure")
	}
}

func TestDecodeMarker(t *testing.T) {
	if _, err := decodeMarker("x", []byte(`{"id":"y","timestamp":1}`)); err == nil {
		t.Error("mismatched id should be rejected")
	}
	if _, err := decodeMarker("x", []byte(`{"lat":1}`)); err == nil {
		t.Error("missing timestamp should be rejected")
	}
	m, err := decodeMarker("x", []byte(`{"lat":1,"lng":2,"addedBy":"Ayla","timestamp":7,"type":"cat"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.ID != "x" || m.Kind != pkg.KindCat {
		t.Errorf("decoded %+v", m)
	}
}

type recordingSink struct {
	fixes []pkg.RawFix
	errs  []error
}

func (s *recordingSink) Push(fix pkg.RawFix) { s.fixes = append(s.fixes, fix) }
func (s *recordingSink) Fail(err error)      { s.errs = append(s.errs, err) }

func TestClientForwardsFixes(t *testing.T) {
	c, fc := newTestClient()
	sink := &recordingSink{}
	if err := c.ForwardFixes(context.Background(), sink); err != nil {
		t.Fatalf("ForwardFixes: %v", err)
	}

	fc.deliver("empati/fixes", []byte(`{"lat":41.01,"lng":28.98,"accuracy":12}`))
	fc.deliver("empati/fixes", []byte(`{"error":"permission_denied"}`))
	fc.deliver("empati/fixes", []byte(`{"error":"timeout"}`))
	fc.deliver("empati/fixes", []byte(`garbage`))

	if len(sink.fixes) != 1 || sink.fixes[0].AccuracyM != 12 {
		t.Errorf("fixes = %+v", sink.fixes)
	}
	if len(sink.errs) != 2 {
		t.Fatalf("errors = %v", sink.errs)
	}
	if !errors.Is(sink.errs[0], gps.ErrPermissionDenied) || !errors.Is(sink.errs[1], gps.ErrTimeout) {
		t.Errorf("unexpected errors %v", sink.errs)
	}
}

func TestClientDisabledConnectIsNoop(t *testing.T) {
	c := NewClient(DefaultConfig(), logx.NewWithWriter("error", io.Discard))
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("Connect on disabled client: %v", err)
	}
	if c.IsConnected() {
		t.Error("disabled client should not be connected")
	}
}
