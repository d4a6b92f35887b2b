package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestMinio(t *testing.T, useSSL bool) *Minio {
	t.Helper()
	m, err := NewMinio(MinioConfig{
		Endpoint:  "files.local:9000",
		AccessKey: "minio",
		SecretKey: "minio-secret",
		Bucket:    "step-documents",
		UseSSL:    useSSL,
		URLExpiry: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewMinio: %v", err)
	}
	return m
}

func TestNewMinioRequiresEndpointAndBucket(t *testing.T) {
	if _, err := NewMinio(MinioConfig{Bucket: "b"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
	if _, err := NewMinio(MinioConfig{Endpoint: "files.local:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestDownloadURLIsPresigned(t *testing.T) {
	m := newTestMinio(t, false)
	raw, err := m.DownloadURL(context.Background(), "steps/step-1/contract.pdf", "ignored")
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Host != "files.local:9000" || !strings.HasSuffix(u.Path, "/step-documents/steps/step-1/contract.pdf") {
		t.Fatalf("unexpected url %s", raw)
	}
	if u.Query().Get("X-Amz-Signature") == "" {
		t.Fatalf("expected signature in %s", raw)
	}
	if u.Query().Get("X-Amz-Expires") != "600" {
		t.Fatalf("expected 600s expiry, got %s", u.Query().Get("X-Amz-Expires"))
	}
}

func TestPublicURL(t *testing.T) {
	if got := newTestMinio(t, true).PublicURL("/steps/a.pdf"); got != "https://files.local:9000/step-documents/steps/a.pdf" {
		t.Fatalf("unexpected public url %s", got)
	}
}

func TestObjectName(t *testing.T) {
	cases := map[string]string{
		"steps/a.pdf":                     "steps/a.pdf",
		"/steps/a.pdf":                    "steps/a.pdf",
		"s3://step-documents/steps/a.pdf": "steps/a.pdf",
	}
	for in, want := range cases {
		if got := objectName(in); got != want {
			t.Fatalf("objectName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPassthrough(t *testing.T) {
	var p Passthrough
	got, err := p.DownloadURL(context.Background(), "key", "https://cdn.local/a.pdf")
	if err != nil || got != "https://cdn.local/a.pdf" {
		t.Fatalf("unexpected %q %v", got, err)
	}
	if _, err := p.DownloadURL(context.Background(), "key", " "); err == nil {
		t.Fatal("expected error for empty recorded url")
	}
	if err := p.Remove(context.Background(), "key"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}
