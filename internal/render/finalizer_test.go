package render_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mediarender/internal/pkg/errors"
	"mediarender/internal/pkg/logger"
	"mediarender/internal/providers/stub"
	"mediarender/internal/render"
)

type downloadingProvider struct {
	*stub.Provider
	downloads int
}

func (p *downloadingProvider) Download(ctx context.Context, outputURL string) (io.ReadCloser, string, error) {
	p.downloads++
	return io.NopCloser(strings.NewReader("mp4-bytes")), "video/mp4", nil
}

func videoJob() *render.Job {
	return &render.Job{ID: "rj_42", TenantID: "t1", Kind: render.KindVideo}
}

func TestObjectKey(t *testing.T) {
	if got := render.ObjectKey(videoJob()); got != "renders/t1/video/rj_42.mp4" {
		t.Errorf("unexpected key %s", got)
	}
	img := &render.Job{ID: "rj_7", TenantID: "t2", Kind: render.KindImage}
	if got := render.ObjectKey(img); got != "renders/t2/image/rj_7.png" {
		t.Errorf("unexpected key %s", got)
	}
}

func TestFinalizePublicURLSkipsUpload(t *testing.T) {
	storage := newCountingStorage()
	f := render.NewFinalizer(storage, logger.Discard())

	url, err := f.Finalize(context.Background(), videoJob(), stub.New(stub.Config{}), "https://cdn.example/out.mp4")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if url != "https://cdn.example/out.mp4" {
		t.Errorf("expected provider URL, got %s", url)
	}
	if storage.putCount() != 0 {
		t.Errorf("expected no upload, got %d", storage.putCount())
	}
}

func TestFinalizeUsesDownloader(t *testing.T) {
	storage := newCountingStorage()
	p := &downloadingProvider{Provider: stub.New(stub.Config{})}
	f := render.NewFinalizer(storage, logger.Discard())

	for i := 0; i < 2; i++ {
		url, err := f.Finalize(context.Background(), videoJob(), p, "runway://task/abc")
		if err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}
		if url != "https://cdn.test/renders/t1/video/rj_42.mp4" {
			t.Errorf("unexpected url %s", url)
		}
	}
	if p.downloads != 2 {
		t.Errorf("expected 2 downloads, got %d", p.downloads)
	}
	if len(storage.objects) != 1 {
		t.Errorf("expected retried upload to overwrite a single key, got %d objects", len(storage.objects))
	}
}

func TestFinalizeDownloaderStoresPublicURL(t *testing.T) {
	storage := newCountingStorage()
	p := &downloadingProvider{Provider: stub.New(stub.Config{})}
	f := render.NewFinalizer(storage, logger.Discard())

	signed := "https://dnznrvs05pmza.cloudfront.net/out.mp4?_jwt=expires-soon"
	url, err := f.Finalize(context.Background(), videoJob(), p, signed)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if url != "https://cdn.test/renders/t1/video/rj_42.mp4" {
		t.Errorf("expected storage url instead of the signed provider url, got %s", url)
	}
	if p.downloads != 1 {
		t.Errorf("expected 1 download, got %d", p.downloads)
	}
	if string(storage.objects["renders/t1/video/rj_42.mp4"]) != "mp4-bytes" {
		t.Errorf("expected downloaded bytes in storage")
	}
}

func TestFinalizeMirrorsPublicURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	storage := newCountingStorage()
	f := render.NewFinalizer(storage, logger.Discard(), render.WithMirror(true), render.WithHTTPClient(srv.Client()))
	job := &render.Job{ID: "rj_1", TenantID: "t1", Kind: render.KindImage}

	url, err := f.Finalize(context.Background(), job, stub.New(stub.Config{}), srv.URL+"/out.png")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if url != "https://cdn.test/renders/t1/image/rj_1.png" {
		t.Errorf("unexpected url %s", url)
	}
	if string(storage.objects["renders/t1/image/rj_1.png"]) != "png-bytes" {
		t.Errorf("expected mirrored bytes")
	}
}

func TestFinalizeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		mirror bool
		url    string
	}{
		{"opaque url without downloader", false, "replicate://pred/abc"},
		{"malformed data uri", false, "data:image/png;base64"},
		{"bad base64", false, "data:image/png;base64,!!!"},
		{"mirror fetch fails", true, srv.URL + "/gone.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := render.NewFinalizer(newCountingStorage(), logger.Discard(), render.WithMirror(tt.mirror))
			_, err := f.Finalize(context.Background(), videoJob(), stub.New(stub.Config{}), tt.url)
			if !errors.IsCode(err, errors.CodeFinalizationFailed) {
				t.Errorf("expected FINALIZATION_FAILED, got %v", err)
			}
		})
	}
}
