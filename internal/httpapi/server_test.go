package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/invigil-io/invigil/internal/httpapi"
	"github.com/invigil-io/invigil/internal/proctor/policy"
	"github.com/invigil-io/invigil/internal/proctor/service"
	"github.com/invigil-io/invigil/internal/proctor/store/memory"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

// newTestServer wires up the full dependency graph over in-memory stores
// and returns an httptest.Server whose URL can be hit with a plain
// http.Client.
func newTestServer(t *testing.T, verifier service.Verifier) *httptest.Server {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	sessions := memory.NewSessionStore()
	events := memory.NewEventStore()
	samples := memory.NewSampleStore()
	pol := policy.Static(policy.Default())

	svc := service.NewService(service.Dependencies{
		Logger:   logger,
		Sessions: sessions,
		Events:   events,
		Samples:  samples,
		Policy:   pol,
		Verifier: verifier,
	})
	t.Cleanup(svc.Close)

	reporter := service.NewReporter(sessions, events, samples, pol)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:   logger,
		Sessions: svc,
		Reports:  reporter,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func allowAll(ctx context.Context, sess types.Session) (service.VerifyResult, error) {
	return service.VerifyResult{FaceVerified: true, EnvironmentChecked: true}, nil
}

func denyAll(ctx context.Context, sess types.Session) (service.VerifyResult, error) {
	return service.VerifyResult{FaceVerified: false, EnvironmentChecked: false}, nil
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d, want %d (body: %s)", resp.StatusCode, want, body)
	}
}

// createAndStart drives a fresh session to in_progress over the API.
func createAndStart(t *testing.T, ts *httptest.Server) types.Session {
	t.Helper()

	resp := postJSON(t, ts.URL+"/v1/sessions", types.CreateSessionRequest{
		StudentID: "student-1", ExamID: "exam-1",
	})
	wantStatus(t, resp, http.StatusCreated)
	sess := decode[types.Session](t, resp)

	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/verify", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/start", nil)
	wantStatus(t, resp, http.StatusOK)
	return decode[types.Session](t, resp)
}

func TestAPI_SessionLifecycle(t *testing.T) {
	ts := newTestServer(t, service.VerifierFunc(allowAll))

	sess := createAndStart(t, ts)
	if sess.State != types.StateInProgress {
		t.Fatalf("expected in_progress, got %s", sess.State)
	}

	resp, err := http.Get(ts.URL + "/v1/sessions/" + sess.ID)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	wantStatus(t, resp, http.StatusOK)
	got := decode[types.Session](t, resp)
	if got.ID != sess.ID || !got.FaceVerified {
		t.Errorf("unexpected session %+v", got)
	}

	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/submit", nil)
	wantStatus(t, resp, http.StatusOK)
	final := decode[types.Session](t, resp)
	if final.State != types.StateCompleted {
		t.Errorf("expected completed, got %s", final.State)
	}
}

func TestAPI_CreateValidation(t *testing.T) {
	ts := newTestServer(t, service.VerifierFunc(allowAll))

	resp := postJSON(t, ts.URL+"/v1/sessions", types.CreateSessionRequest{StudentID: "student-1"})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAPI_VerificationFailure(t *testing.T) {
	ts := newTestServer(t, service.VerifierFunc(denyAll))

	resp := postJSON(t, ts.URL+"/v1/sessions", types.CreateSessionRequest{
		StudentID: "student-1", ExamID: "exam-1",
	})
	wantStatus(t, resp, http.StatusCreated)
	sess := decode[types.Session](t, resp)

	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/verify", nil)
	wantStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	// Still pending, so starting is a conflict.
	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/start", nil)
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestAPI_EventIngestion(t *testing.T) {
	ts := newTestServer(t, service.VerifierFunc(allowAll))
	sess := createAndStart(t, ts)

	c := 0.9
	resp := postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/events", types.EventRequest{
		Kind:       "tab_switch",
		Confidence: &c,
		Detector:   "focus",
	})
	wantStatus(t, resp, http.StatusAccepted)
	res := decode[types.IngestResult](t, resp)
	if res.EventID == "" || res.Seq != 1 || res.Merged {
		t.Errorf("unexpected ingest result %+v", res)
	}

	// Unknown kind is a client error.
	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/events", types.EventRequest{Kind: "levitation"})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	// Unknown session is not found.
	resp = postJSON(t, ts.URL+"/v1/sessions/nope/events", types.EventRequest{Kind: "tab_switch"})
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAPI_EventsRejectedOutsideInProgress(t *testing.T) {
	ts := newTestServer(t, service.VerifierFunc(allowAll))

	resp := postJSON(t, ts.URL+"/v1/sessions", types.CreateSessionRequest{
		StudentID: "student-1", ExamID: "exam-1",
	})
	sess := decode[types.Session](t, resp)

	// Pending session: monitoring has not started.
	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/events", types.EventRequest{Kind: "tab_switch"})
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestAPI_Heartbeat(t *testing.T) {
	ts := newTestServer(t, service.VerifierFunc(allowAll))

	// Before the exam starts, beats are a state conflict, not Gone:
	// 410 would tell the client to give up for good.
	resp := postJSON(t, ts.URL+"/v1/sessions", types.CreateSessionRequest{
		StudentID: "student-2", ExamID: "exam-1",
	})
	wantStatus(t, resp, http.StatusCreated)
	pending := decode[types.Session](t, resp)
	resp = postJSON(t, ts.URL+"/v1/sessions/"+pending.ID+"/heartbeat", nil)
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	sess := createAndStart(t, ts)

	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/heartbeat", types.HeartbeatRequest{ObservedStatus: "ok"})
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	// Empty body is fine; a beat is a beat.
	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/heartbeat", nil)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	// After the session ends, beats report Gone so clients stop sending.
	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/submit", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/heartbeat", nil)
	wantStatus(t, resp, http.StatusGone)
	resp.Body.Close()
}

func TestAPI_ReportAndDecision(t *testing.T) {
	ts := newTestServer(t, service.VerifierFunc(allowAll))
	sess := createAndStart(t, ts)

	c := 1.0
	resp := postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/events", types.EventRequest{
		Kind: "multiple_faces", Confidence: &c,
	})
	wantStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	// Wait until the worker has scored the event before submitting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		r, err := http.Get(ts.URL + "/v1/sessions/" + sess.ID)
		if err != nil {
			t.Fatalf("GET session: %v", err)
		}
		got := decode[types.Session](t, r)
		if got.ScoreCp > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for scoring")
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/submit", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	r, err := http.Get(ts.URL + "/v1/sessions/" + sess.ID + "/report")
	if err != nil {
		t.Fatalf("GET report: %v", err)
	}
	wantStatus(t, r, http.StatusOK)
	rep := decode[types.Report](t, r)
	if rep.State != types.StateFlagged {
		t.Errorf("expected flagged, got %s", rep.State)
	}
	if rep.Recommendation != policy.RecommendationHighRisk {
		t.Errorf("expected High Risk, got %q", rep.Recommendation)
	}
	if len(rep.EventsByKind) != 1 || rep.EventsByKind[0].Kind != types.KindMultipleFaces {
		t.Errorf("unexpected kind summary %+v", rep.EventsByKind)
	}

	// Decision writes exactly once.
	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/decision", types.DecisionRequest{Decision: "cleared"})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/decision", types.DecisionRequest{Decision: "warning"})
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	// Unknown decision values are rejected before the service sees them.
	resp = postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/decision", types.DecisionRequest{Decision: "maybe"})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAPI_EventReview(t *testing.T) {
	ts := newTestServer(t, service.VerifierFunc(allowAll))
	sess := createAndStart(t, ts)

	resp := postJSON(t, ts.URL+"/v1/sessions/"+sess.ID+"/events", types.EventRequest{Kind: "gaze_away"})
	wantStatus(t, resp, http.StatusAccepted)
	res := decode[types.IngestResult](t, resp)

	// The event row is written asynchronously; review once it exists.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = postJSON(t, ts.URL+"/v1/events/"+res.EventID+"/review", types.ReviewRequest{
			Reviewed: true, FalsePositive: true,
		})
		if resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			break
		}
		resp.Body.Close()
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for event persistence")
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp = postJSON(t, ts.URL+"/v1/events/nope/review", types.ReviewRequest{Reviewed: true})
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAPI_MalformedJSONBody(t *testing.T) {
	ts := newTestServer(t, service.VerifierFunc(allowAll))
	sess := createAndStart(t, ts)

	resp, err := http.Post(ts.URL+"/v1/sessions/"+sess.ID+"/events", "application/json",
		bytes.NewBufferString(`{"kind": `))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}
