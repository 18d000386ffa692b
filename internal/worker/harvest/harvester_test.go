package harvest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/notify"
	"github.com/mrmap-community/mrmap-sub007/internal/security"
)

const capabilitiesTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<WMS_Capabilities version="1.3.0" xmlns="http://www.opengis.net/wms" xmlns:xlink="http://www.w3.org/1999/xlink">
  <Service>
    <Name>WMS</Name>
    <Title>&lt;b&gt;Verwaltungsgrenzen&lt;/b&gt;</Title>
    <Abstract>Administrative boundaries.</Abstract>
  </Service>
  <Capability>
    <Request>
      <GetMap>
        <Format>image/png</Format>
        <DCPType><HTTP><Get><OnlineResource xlink:href="%[1]s/wms?"/></Get></HTTP></DCPType>
      </GetMap>
    </Request>
    <Layer>
      <Title>Root</Title>
      <Layer queryable="1">
        <Name>states</Name>
        <Title>States</Title>
        <EX_GeographicBoundingBox>
          <westBoundLongitude>5.8</westBoundLongitude>
          <eastBoundLongitude>15.1</eastBoundLongitude>
          <southBoundLatitude>47.2</southBoundLatitude>
          <northBoundLatitude>55.1</northBoundLatitude>
        </EX_GeographicBoundingBox>
        <MetadataURL type="ISO19115:2003">
          <Format>text/xml</Format>
          <OnlineResource xlink:href="%[1]s/md/states"/>
        </MetadataURL>
      </Layer>
      <Layer>
        <Name>roads</Name>
        <Title>Roads</Title>
        <MetadataURL type="ISO19115:2003">
          <Format>text/xml</Format>
          <OnlineResource xlink:href="%[1]s/md/missing"/>
        </MetadataURL>
      </Layer>
    </Layer>
  </Capability>
</WMS_Capabilities>`

const isoRecord = `<?xml version="1.0" encoding="UTF-8"?>
<gmd:MD_Metadata xmlns:gmd="http://www.isotc211.org/2005/gmd" xmlns:gco="http://www.isotc211.org/2005/gco">
  <gmd:fileIdentifier><gco:CharacterString>9a1b-states</gco:CharacterString></gmd:fileIdentifier>
  <gmd:identificationInfo>
    <gmd:MD_DataIdentification>
      <gmd:citation><gmd:CI_Citation><gmd:title><gco:CharacterString>States dataset</gco:CharacterString></gmd:title></gmd:CI_Citation></gmd:citation>
    </gmd:MD_DataIdentification>
  </gmd:identificationInfo>
</gmd:MD_Metadata>`

// harvestFixture はハーベスターとモック一式をまとめる。
type harvestFixture struct {
	harvester *Harvester
	jobs      *mockJobRepo
	services  *mockServiceRepo
	metadata  *mockMetadataRepo
	publisher *recordingPublisher
	metrics   *mockMetrics
	guard     *mockSSRFGuard
	logs      *bytes.Buffer
}

func newHarvestFixture(t *testing.T, capabilitiesURL string) *harvestFixture {
	t.Helper()
	f := &harvestFixture{
		jobs: newMockJobRepo(),
		services: &mockServiceRepo{services: map[string]*model.Service{
			"svc-1": {
				ID:              "svc-1",
				ServiceType:     model.ServiceTypeWMS,
				CapabilitiesURL: capabilitiesURL,
				Status:          model.ServiceStatusPending,
			},
		}},
		metadata:  &mockMetadataRepo{},
		publisher: &recordingPublisher{},
		metrics:   &mockMetrics{},
		guard:     &mockSSRFGuard{},
		logs:      &bytes.Buffer{},
	}
	f.harvester = NewHarvester(
		Repositories{
			Jobs:         f.jobs,
			Services:     f.services,
			Layers:       &mockIDRepo{ids: map[string]string{"states": "layer-states"}},
			FeatureTypes: &mockFeatureTypeRepo{},
			Metadata:     f.metadata,
		},
		f.guard,
		security.NewTextSanitizer(),
		f.publisher,
		f.metrics,
		newTestLogger(f.logs),
		Config{Timeout: 5 * time.Second, MaxBodySize: 1 << 20, MetadataConcurrency: 2},
	)
	return f
}

func newJob(attempts, maxAttempts int) *model.HarvestingJob {
	return &model.HarvestingJob{
		ID:          "job-1",
		ServiceID:   "svc-1",
		Status:      model.JobStatusRunning,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

func newCapabilitiesServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/wms", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprintf(w, capabilitiesTemplate, srv.URL)
	})
	mux.HandleFunc("/md/states", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, isoRecord)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestHarvest_Success はケーパビリティの保存、メタデータ取得、ジョブ完了までの流れをテストする。
func TestHarvest_Success(t *testing.T) {
	srv := newCapabilitiesServer(t)
	f := newHarvestFixture(t, srv.URL+"/wms?SERVICE=WMS&REQUEST=GetCapabilities")

	if err := f.harvester.Harvest(context.Background(), newJob(1, 5)); err != nil {
		t.Fatalf("Harvest() error = %v", err)
	}

	if len(f.jobs.succeeded) != 1 {
		t.Fatalf("succeeded = %v, want job-1", f.jobs.succeeded)
	}

	content := f.services.replaced
	if content == nil {
		t.Fatal("ReplaceContent was not called")
	}
	if content.Service.Title != "Verwaltungsgrenzen" {
		t.Errorf("title = %q, want markup stripped", content.Service.Title)
	}
	if content.Service.Version != "1.3.0" {
		t.Errorf("version = %q, want 1.3.0", content.Service.Version)
	}
	if len(content.Operations) != 1 || content.Operations[0].Operation != "GetMap" {
		t.Errorf("operations = %+v, want GetMap", content.Operations)
	}

	if len(content.Layers) != 3 {
		t.Fatalf("layers = %d, want 3", len(content.Layers))
	}
	root, states, roads := content.Layers[0], content.Layers[1], content.Layers[2]
	if states.ID != "layer-states" {
		t.Errorf("states ID = %q, want existing ID to be kept", states.ID)
	}
	if states.ParentID != root.ID || roads.ParentID != root.ID {
		t.Errorf("children must reference root %q, got %q / %q", root.ID, states.ParentID, roads.ParentID)
	}
	if root.Depth != 0 || states.Depth != 1 || roads.Position != 2 {
		t.Errorf("unexpected tree positions: root depth %d, states depth %d, roads position %d",
			root.Depth, states.Depth, roads.Position)
	}
	if states.BBox == nil || states.BBox.MinX != 5.8 || states.BBox.MaxY != 55.1 {
		t.Errorf("states bbox = %+v", states.BBox)
	}

	// メタデータは1件成功、1件404
	if len(f.metadata.records) != 1 {
		t.Fatalf("metadata records = %d, want 1", len(f.metadata.records))
	}
	rec := f.metadata.records[0]
	if rec.LayerID != "layer-states" || rec.FileIdentifier != "9a1b-states" || rec.Title != "States dataset" {
		t.Errorf("metadata record = %+v", rec)
	}
	warnings := f.jobs.logsAt(model.LogLevelWarning)
	if len(warnings) != 1 || !strings.Contains(warnings[0], "/md/missing") {
		t.Errorf("warning logs = %v, want one for the missing record", warnings)
	}

	wantPhases := []model.JobPhase{
		model.JobPhaseFetchCapabilities,
		model.JobPhaseParseCapabilities,
		model.JobPhasePersist,
		model.JobPhaseFetchMetadata,
	}
	for i, p := range wantPhases {
		if i >= len(f.jobs.progress) || f.jobs.progress[i] != p {
			t.Fatalf("phases = %v, want prefix %v", f.jobs.progress, wantPhases)
		}
	}
	last := f.jobs.percents[len(f.jobs.percents)-1]
	if last != progressMetadataEnd {
		t.Errorf("last progress = %d, want %d", last, progressMetadataEnd)
	}

	ev := f.publisher.last(notify.EventJobFinished)
	if ev == nil || ev.Status != string(model.JobStatusSucceeded) || ev.Progress != 100 {
		t.Errorf("finished event = %+v", ev)
	}
	if len(f.metrics.successes) != 1 || f.metrics.successes[0] != "WMS" {
		t.Errorf("success metrics = %v", f.metrics.successes)
	}
	if f.metrics.layers != 3 || f.metrics.metadata != 1 {
		t.Errorf("layers metric = %d, metadata metric = %d", f.metrics.layers, f.metrics.metadata)
	}
}

// TestHarvest_RetryableFailure は5xx応答で試行回数が残っていればバックオフ付きで再スケジュールされることをテストする。
func TestHarvest_RetryableFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newHarvestFixture(t, srv.URL)
	before := time.Now()
	if err := f.harvester.Harvest(context.Background(), newJob(2, 5)); err != nil {
		t.Fatalf("Harvest() error = %v", err)
	}

	next, ok := f.jobs.rescheduled["job-1"]
	if !ok {
		t.Fatal("job was not rescheduled")
	}
	// 2回目の失敗なので2分後
	if d := next.Sub(before); d < 2*time.Minute || d > 2*time.Minute+5*time.Second {
		t.Errorf("backoff = %v, want about 2m", d)
	}
	if len(f.jobs.failed) != 0 {
		t.Errorf("job must not be failed, got %v", f.jobs.failed)
	}
	if len(f.services.markedError) != 0 {
		t.Error("service must not be marked as error while retries remain")
	}
	if f.metrics.retries != 1 {
		t.Errorf("retries metric = %d, want 1", f.metrics.retries)
	}
	if len(f.metrics.statuses) != 1 || f.metrics.statuses[0] != 503 {
		t.Errorf("status metrics = %v, want [503]", f.metrics.statuses)
	}
}

// TestHarvest_RetryExhausted は試行回数の上限に達した場合にジョブが失敗することをテストする。
func TestHarvest_RetryExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newHarvestFixture(t, srv.URL)
	if err := f.harvester.Harvest(context.Background(), newJob(5, 5)); err != nil {
		t.Fatalf("Harvest() error = %v", err)
	}

	if _, ok := f.jobs.failed["job-1"]; !ok {
		t.Fatal("job must be failed after the last attempt")
	}
	if len(f.jobs.rescheduled) != 0 {
		t.Error("job must not be rescheduled")
	}
	if len(f.services.markedError) != 1 {
		t.Error("never-harvested service must be marked as error")
	}
}

func TestHarvest_PermanentFailures(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantReason string
	}{
		{
			name: "404",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantReason: "http_status",
		},
		{
			name: "401",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantReason: "http_status",
		},
		{
			name: "OGC例外",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `<ServiceExceptionReport version="1.3.0"><ServiceException code="InvalidFormat">bad</ServiceException></ServiceExceptionReport>`)
			},
			wantReason: "ogc_exception",
		},
		{
			name: "未対応バージョン",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `<WMS_Capabilities version="9.9.9"></WMS_Capabilities>`)
			},
			wantReason: "unsupported_version",
		},
		{
			name: "XMLでない",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, "<html><body>not capabilities</body></html>")
			},
			wantReason: "parse",
		},
		{
			name: "種別の不一致",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `<WFS_Capabilities version="2.0.0" xmlns="http://www.opengis.net/wfs/2.0"></WFS_Capabilities>`)
			},
			wantReason: "type_mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			f := newHarvestFixture(t, srv.URL)
			// 試行回数が残っていても再試行しない
			if err := f.harvester.Harvest(context.Background(), newJob(1, 5)); err != nil {
				t.Fatalf("Harvest() error = %v", err)
			}
			if _, ok := f.jobs.failed["job-1"]; !ok {
				t.Fatal("job must be failed")
			}
			if len(f.jobs.rescheduled) != 0 {
				t.Error("permanent failure must not be rescheduled")
			}
			if len(f.metrics.failures) != 1 || f.metrics.failures[0] != tt.wantReason {
				t.Errorf("failure reasons = %v, want [%s]", f.metrics.failures, tt.wantReason)
			}
			if f.services.replaced != nil {
				t.Error("content must not be replaced")
			}
			ev := f.publisher.last(notify.EventJobFinished)
			if ev == nil || ev.Status != string(model.JobStatusFailed) {
				t.Errorf("finished event = %+v", ev)
			}
		})
	}
}

func TestHarvest_SSRFBlocked(t *testing.T) {
	f := newHarvestFixture(t, "http://169.254.169.254/wms")
	f.guard.blocked = true

	if err := f.harvester.Harvest(context.Background(), newJob(1, 5)); err != nil {
		t.Fatalf("Harvest() error = %v", err)
	}
	if _, ok := f.jobs.failed["job-1"]; !ok {
		t.Fatal("job must be failed")
	}
	if len(f.metrics.statuses) != 0 {
		t.Error("no request must be sent to a blocked URL")
	}
}

func TestHarvest_ServiceDeleted(t *testing.T) {
	f := newHarvestFixture(t, "http://example.org/wms")
	job := newJob(1, 5)
	job.ServiceID = "deleted"

	if err := f.harvester.Harvest(context.Background(), job); err != nil {
		t.Fatalf("Harvest() error = %v", err)
	}
	if _, ok := f.jobs.failed["job-1"]; !ok {
		t.Fatal("job must be failed")
	}
	if len(f.services.markedError) != 0 {
		t.Error("deleted service must not be touched")
	}
}

// TestHarvest_PersistErrorIsRetried は保存の失敗を一時的な失敗として扱うことをテストする。
func TestHarvest_PersistErrorIsRetried(t *testing.T) {
	srv := newCapabilitiesServer(t)
	f := newHarvestFixture(t, srv.URL+"/wms")
	f.services.replaceErr = fmt.Errorf("connection reset")

	if err := f.harvester.Harvest(context.Background(), newJob(1, 5)); err != nil {
		t.Fatalf("Harvest() error = %v", err)
	}
	if _, ok := f.jobs.rescheduled["job-1"]; !ok {
		t.Error("job must be rescheduled after a persistence error")
	}
}

// TestHarvest_InvalidContentFailsPermanently は保存時のデータ例外を再試行しないことをテストする。
func TestHarvest_InvalidContentFailsPermanently(t *testing.T) {
	srv := newCapabilitiesServer(t)
	f := newHarvestFixture(t, srv.URL+"/wms")
	f.services.replaceErr = fmt.Errorf("update service: %w", &pq.Error{Code: "22001", Message: "value too long"})

	if err := f.harvester.Harvest(context.Background(), newJob(1, 5)); err != nil {
		t.Fatalf("Harvest() error = %v", err)
	}
	if _, ok := f.jobs.rescheduled["job-1"]; ok {
		t.Error("job must not be rescheduled after a data exception")
	}
	if len(f.jobs.failed) != 1 {
		t.Errorf("failed jobs = %v, want job-1", f.jobs.failed)
	}
}
