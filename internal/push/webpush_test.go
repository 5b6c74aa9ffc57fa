package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"mkhub/internal/storage"
)

func testSubscription(t *testing.T, endpoint string) storage.Subscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	auth := make([]byte, 16)
	_, _ = rand.Read(auth)
	return storage.Subscription{
		ID:       "s1",
		Endpoint: endpoint,
		Keys: storage.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func TestNewWebPushSenderRequiresKeys(t *testing.T) {
	t.Parallel()
	if _, err := NewWebPushSender(Config{PublicKey: "x"}, nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}

func TestWebPushSenderStatus(t *testing.T) {
	t.Parallel()
	priv, pub, err := GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		status  int
		expired bool
		ok      bool
	}{
		{http.StatusCreated, false, true},
		{http.StatusGone, true, false},
		{http.StatusNotFound, true, false},
		{http.StatusTooManyRequests, false, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			hdr := make(chan http.Header, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hdr <- r.Header.Clone()
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			s, err := NewWebPushSender(Config{PublicKey: pub, PrivateKey: priv, Subject: "mailto:admin@example.com"}, srv.Client())
			if err != nil {
				t.Fatal(err)
			}
			err = s.Send(context.Background(), testSubscription(t, srv.URL+"/push/abc"), []byte(`{"title":"x"}`))
			if tc.ok {
				if err != nil {
					t.Fatal(err)
				}
			} else {
				var de *DeliveryError
				if !errors.As(err, &de) || de.StatusCode != tc.status || de.Expired() != tc.expired {
					t.Fatalf("err = %v", err)
				}
			}
			h := <-hdr
			if h.Get("TTL") != "86400" || h.Get("Authorization") == "" {
				t.Fatalf("headers = %v", h)
			}
		})
	}
}
