package diagnostics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/albumtovideo/core/internal/logging"
	"github.com/albumtovideo/core/pkg/report"
)

func TestRedact_AppliesAllThreePatterns(t *testing.T) {
	require.Equal(t, "/Users/{USER}/music/a.mp3", Redact("/Users/jdoe/music/a.mp3"))
	require.Equal(t, `C:\Users\{USER}\music\a.mp3`, Redact(`C:\Users\jdoe\music\a.mp3`))
	require.Equal(t, "/Volumes/{VOLUME}/music/a.mp3", Redact("/Volumes/MyDrive/music/a.mp3"))
}

func TestBuild_RedactsReportPathsAndKeepsEventsUnderCap(t *testing.T) {
	dir := t.TempDir()
	logger, err := logging.New(dir, "session.log", 10)
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 5; i++ {
		logger.Event("render.track_perf", map[string]any{"path": "/Users/jdoe/export/a.mp4"})
	}

	rep := report.NewRenderReport()
	rep.Plan.ExportFolder = "/Users/jdoe/Desktop/export"
	rep.Tracks = []report.TrackReport{{AudioPath: "/Users/jdoe/music/a.mp3"}}

	bundle := Build("job-1", logger, rep)
	require.Equal(t, report.FamilyDiagnostics, bundle.SchemaFamily)
	require.False(t, bundle.EventsTruncated)
	require.Len(t, bundle.Events, 5)
	require.Equal(t, "/Users/{USER}/Desktop/export", bundle.Report.Plan.ExportFolder)
	require.Equal(t, "/Users/{USER}/music/a.mp3", bundle.Report.Tracks[0].AudioPath)
	require.Equal(t, "/Users/{USER}/export/a.mp4", bundle.Events[0].Fields["path"])
}

func TestWrite_ProducesValidJSON(t *testing.T) {
	bundle := Build("job-2", nil, nil)
	path := filepath.Join(t.TempDir(), "diagnostics.json")
	require.NoError(t, Write(path, bundle))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded Bundle
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "job-2", decoded.JobID)
}

func TestUploader_BestEffortPostSucceeds(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	uploader := NewUploader(srv.URL)
	bundle := Build("job-3", nil, nil)
	require.NoError(t, uploader.Upload(bundle))
	require.NotEmpty(t, gotBody)
}

func TestNewUploader_EmptyURLDisables(t *testing.T) {
	uploader := NewUploader("")
	require.Nil(t, uploader)
	require.NoError(t, uploader.Upload(Build("job-4", nil, nil)))
}
