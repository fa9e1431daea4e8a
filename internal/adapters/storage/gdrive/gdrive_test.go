package gdrive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

func TestNameQuery(t *testing.T) {
	tests := []struct {
		name, key, folder, want string
	}{
		{"plain", "renders/t/image/rj_1.png", "", "name = 'renders/t/image/rj_1.png' and trashed = false"},
		{"folder", "a.png", "fold", "name = 'a.png' and trashed = false and 'fold' in parents"},
		{"quotes escaped", "it's.png", "", `name = 'it\'s.png' and trashed = false`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nameQuery(tt.key, tt.folder); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFileURL(t *testing.T) {
	if got := fileURL(&drive.File{Id: "abc"}); got != "https://drive.google.com/uc?id=abc&export=download" {
		t.Errorf("unexpected url %q", got)
	}
	if got := fileURL(&drive.File{Id: "abc", WebContentLink: "https://drive/x"}); got != "https://drive/x" {
		t.Errorf("expected web content link, got %q", got)
	}
}

func TestDeleteByObjectKey(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if q := r.URL.Query().Get("q"); q != "name = 'renders/a.png' and trashed = false and 'folder-1' in parents" {
				t.Errorf("unexpected query %q", q)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"files":[{"id":"file-9","name":"renders/a.png"}]}`))
		case http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	svc, err := drive.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("drive.NewService: %v", err)
	}
	c := NewClient(svc, "folder-1")

	if err := c.DeleteObject(context.Background(), "renders/a.png"); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if deleted != "/files/file-9" {
		t.Errorf("expected delete of file-9, got %q", deleted)
	}
}
