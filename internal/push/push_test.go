package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nudge/internal/domain"
	logx "nudge/pkg/logx"
)

func testSubscription(t *testing.T, endpoint string) domain.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("auth: %v", err)
	}
	return domain.PushSubscription{
		ID:       "s1",
		UserID:   "u1",
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newTestSender(t *testing.T, rps int) *WebPush {
	t.Helper()
	pub, priv, err := GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	w, err := NewWebPush(Config{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subject:         "mailto:ops@example.com",
		TTL:             time.Hour,
		RatePerSec:      rps,
		Burst:           1,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("NewWebPush: %v", err)
	}
	return w
}

func TestSendClassifiesStatus(t *testing.T) {
	tests := []struct {
		code int
		want Status
	}{
		{http.StatusCreated, StatusOK},
		{http.StatusNotFound, StatusGone},
		{http.StatusGone, StatusGone},
		{http.StatusTooManyRequests, StatusTransient},
		{http.StatusInternalServerError, StatusTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			var gotTTL, gotAuth, gotEnc atomic.Value
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotTTL.Store(r.Header.Get("TTL"))
				gotAuth.Store(r.Header.Get("Authorization"))
				gotEnc.Store(r.Header.Get("Content-Encoding"))
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			s := newTestSender(t, 0)
			res := s.Send(context.Background(), testSubscription(t, srv.URL+"/push/abc"), Payload{Title: "t", Body: "b", Tag: "task-1", URL: "/dashboard.html"})
			if res.Status != tt.want {
				t.Fatalf("Status = %v, want %v (err %v)", res.Status, tt.want, res.Err)
			}
			if res.Code != tt.code {
				t.Fatalf("Code = %d, want %d", res.Code, tt.code)
			}
			if gotTTL.Load() != "3600" {
				t.Fatalf("TTL header = %v, want 3600", gotTTL.Load())
			}
			if a, _ := gotAuth.Load().(string); !strings.HasPrefix(a, "vapid ") {
				t.Fatalf("Authorization = %q, want vapid scheme", a)
			}
			if gotEnc.Load() != "aes128gcm" {
				t.Fatalf("Content-Encoding = %v", gotEnc.Load())
			}
			if tt.want == StatusGone && !IsGone(res.Error()) {
				t.Fatalf("IsGone(%v) = false", res.Error())
			}
			if tt.want == StatusOK && res.Error() != nil {
				t.Fatalf("Error() = %v, want nil", res.Error())
			}
		})
	}
}

func TestSendNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := newTestSender(t, 0)
	res := s.Send(context.Background(), testSubscription(t, url+"/gone-host"), Payload{Title: "x"})
	if res.Status != StatusTransient || res.Err == nil {
		t.Fatalf("result = %+v, want transient with error", res)
	}
	if IsGone(res.Error()) {
		t.Fatal("network failure classified as gone")
	}
}

func TestSendRateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := newTestSender(t, 1)
	sub := testSubscription(t, srv.URL)
	if res := s.Send(context.Background(), sub, Payload{Title: "1"}); res.Status != StatusOK {
		t.Fatalf("first send = %+v", res)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := s.Send(ctx, sub, Payload{Title: "2"})
	if res.Status != StatusTransient {
		t.Fatalf("second send = %+v, want transient", res)
	}
	if hits.Load() != 1 {
		t.Fatalf("requests = %d, want 1", hits.Load())
	}
}

func TestNewWebPushRequiresKeys(t *testing.T) {
	if _, err := NewWebPush(Config{}, logx.Nop()); !errors.Is(err, ErrNoVAPID) {
		t.Fatalf("err = %v, want ErrNoVAPID", err)
	}
}

func TestHelpers(t *testing.T) {
	if got := topic("task-42/with spaces"); got != "task-42withspaces" {
		t.Fatalf("topic = %q", got)
	}
	if got := Redact("https://fcm.googleapis.com/fcm/send/secret-token"); got != "https://fcm.googleapis.com/…" {
		t.Fatalf("Redact = %q", got)
	}
	if Classify(201) != StatusOK || Classify(410) != StatusGone || Classify(503) != StatusTransient {
		t.Fatal("Classify mismatch")
	}
}
