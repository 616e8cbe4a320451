package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Servarr/ServarrAPI.Update/internal/core/services"
)

func newAppVeyorServer(t *testing.T) *httptest.Server {
	t.Helper()
	started := time.Date(2023, 11, 20, 18, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/acme/app/history", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("recordsNumber"); got != "10" {
			t.Errorf("recordsNumber = %q", got)
		}
		if got := r.URL.Query().Get("branch"); got != "develop" {
			t.Errorf("branch = %q", got)
		}
		writeJSON(t, w, appveyorHistory{Builds: []appveyorBuild{
			{BuildID: 13, Version: "1.0.0.13", Status: "failed"},
			{BuildID: 12, Version: "1.0.0.12", Status: "success", IsTag: true},
			{BuildID: 11, Version: "1.0.0.11", Status: "Success", Message: "Add calendar", MessageExtended: "Also a feed"},
			{BuildID: 10, Version: "1.0.0.10", Status: "success", PullRequestID: "55"},
			{BuildID: 9, Version: "1.0.0.9", Status: "success", Message: "Older"},
		}})
	})
	mux.HandleFunc("GET /api/projects/acme/app/build/{version}", func(w http.ResponseWriter, r *http.Request) {
		var detail struct {
			Build appveyorBuild `json:"build"`
		}
		detail.Build.Version = r.PathValue("version")
		detail.Build.Started = &started
		detail.Build.Jobs = []appveyorJob{{JobID: "job-" + r.PathValue("version"), ArtifactsCount: 1}}
		writeJSON(t, w, detail)
	})
	mux.HandleFunc("GET /api/buildjobs/{job}/artifacts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []appveyorArtifact{
			{FileName: "App.develop.1.0.0.11.windows.zip"},
			{FileName: "App.develop.1.0.0.11.linux.tar.gz"},
		})
	})
	mux.HandleFunc("GET /api/buildjobs/{job}/artifacts/{file}", serveName)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestAppVeyor_FetchNew(t *testing.T) {
	server := newAppVeyorServer(t)
	src := NewAppVeyor(AppVeyorConfig{APIURL: server.URL, Account: "acme", Slug: "app"}, newTestClient(t), newTestDownloads(t), zerolog.Nop())

	result, err := src.FetchNew(context.Background(), services.FetchRequest{Watermark: 9})
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if result.Watermark != 12 {
		t.Errorf("watermark = %d, want 12", result.Watermark)
	}
	if len(result.Bundles) != 1 {
		t.Fatalf("bundles = %d, want 1", len(result.Bundles))
	}

	b := result.Bundles[0]
	if b.Release.Version != "1.0.0.11" || b.Release.Branch != "develop" {
		t.Errorf("release = %s@%s", b.Release.Version, b.Release.Branch)
	}
	if !equalStrings(b.Release.Changelog.New, []string{"Add calendar", "Also a feed"}) {
		t.Errorf("new = %q", b.Release.Changelog.New)
	}
	if len(b.Release.Changelog.Fixed) != 0 {
		t.Errorf("fixed = %q", b.Release.Changelog.Fixed)
	}
	if len(b.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(b.Artifacts))
	}
	wantURL := server.URL + "/api/buildjobs/job-1.0.0.11/artifacts/App.develop.1.0.0.11.windows.zip"
	if b.Artifacts[0].DownloadURL != wantURL {
		t.Errorf("url = %s, want %s", b.Artifacts[0].DownloadURL, wantURL)
	}
	if b.Artifacts[1].ContentHash != sha("App.develop.1.0.0.11.linux.tar.gz") {
		t.Errorf("hash = %s", b.Artifacts[1].ContentHash)
	}
}

func TestAppVeyor_Window(t *testing.T) {
	server := newAppVeyorServer(t)
	src := NewAppVeyor(AppVeyorConfig{APIURL: server.URL, Account: "acme", Slug: "app"}, newTestClient(t), newTestDownloads(t), zerolog.Nop())

	result, err := src.FetchNew(context.Background(), services.FetchRequest{Watermark: 12})
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(result.Bundles) != 0 || result.Watermark != 12 {
		t.Errorf("result = %+v, want nothing new", result)
	}
}
