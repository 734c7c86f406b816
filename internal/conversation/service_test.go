package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/claim-intake/internal/dialogue"
	"github.com/ashureev/claim-intake/internal/domain"
	"github.com/ashureev/claim-intake/internal/files"
	"github.com/ashureev/claim-intake/internal/nlp"
	"github.com/ashureev/claim-intake/internal/report"
	"github.com/ashureev/claim-intake/internal/store"
)

type fakeResolver struct {
	classify *nlp.TurnResult
	submit   []*nlp.TurnResult
}

func (f *fakeResolver) ClassifyClaimCategory(context.Context, int64, string) (*nlp.TurnResult, error) {
	return f.classify, nil
}

func (f *fakeResolver) SubmitMessage(context.Context, int64, string) (*nlp.TurnResult, error) {
	if len(f.submit) == 0 {
		return nil, errors.New("unexpected submit")
	}
	res := f.submit[0]
	f.submit = f.submit[1:]
	return res, nil
}

type fakeStorage struct {
	files.Storage
	err     error
	uploads int
	data    map[string][]byte
}

func (f *fakeStorage) Upload(_ context.Context, r io.Reader, dir, name string) (int64, error) {
	f.uploads++
	if f.err != nil {
		return 0, f.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	if f.data == nil {
		f.data = map[string][]byte{}
	}
	f.data[filepath.Join(dir, name)] = b
	return int64(len(b)), nil
}

func (f *fakeStorage) Open(dir, name string) (io.ReadCloser, error) {
	b, ok := f.data[filepath.Join(dir, name)]
	if !ok {
		return nil, errors.New("not stored")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeStorage) Remove(dir, name string) error {
	delete(f.data, filepath.Join(dir, name))
	return nil
}

type fakeNLP struct {
	nlp.Disabled
	prediction *nlp.Prediction
	stats      *report.Statistics
}

func (f fakeNLP) Predict(context.Context, int64) (*nlp.Prediction, error) {
	return f.prediction, nil
}

func (f fakeNLP) Statistics(context.Context) (*report.Statistics, error) {
	return f.stats, nil
}

type fixture struct {
	svc      *Service
	repo     store.Repository
	resolver *fakeResolver
	storage  *fakeStorage
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "intake.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	script, err := dialogue.DefaultScript()
	if err != nil {
		t.Fatalf("DefaultScript failed: %v", err)
	}
	resolver := &fakeResolver{}
	storage := &fakeStorage{}

	deps.Repo = repo
	deps.Machine = dialogue.NewMachine(script.WithChooser(func(int) int { return 0 }), resolver)
	deps.Storage = storage
	svc, err := NewService(deps)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return &fixture{svc: svc, repo: repo, resolver: resolver, storage: storage}
}

func TestInitiateValidatesInput(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()

	for _, pt := range []string{"", "judge", "tenants"} {
		if _, err := f.svc.Initiate(ctx, "Alice", pt); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Initiate(%q) error = %v, want ErrInvalidInput", pt, err)
		}
	}
	if _, err := f.svc.Initiate(ctx, "  ", "TENANT"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("blank name error = %v, want ErrInvalidInput", err)
	}

	id, err := f.svc.Initiate(ctx, "Alice", "tenant")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	conv, err := f.svc.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if conv.PersonType != domain.PersonTenant || conv.Phase != domain.PhaseGreeting {
		t.Errorf("unexpected conversation %#v", conv)
	}
}

func TestLookupUnknownConversation(t *testing.T) {
	f := newFixture(t, Deps{})
	if _, err := f.svc.Lookup(context.Background(), 404); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.ReceiveMessage(context.Background(), 404, "hi"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReceiveMessageUnknownConversationTakesNoLock(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()

	for id := int64(1000); id < 1100; id++ {
		if _, err := f.svc.ReceiveMessage(ctx, id, "hi"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("ReceiveMessage(%d) error = %v, want ErrNotFound", id, err)
		}
	}

	locks := 0
	f.svc.locks.Range(func(any, any) bool {
		locks++
		return true
	})
	if locks != 0 {
		t.Errorf("unknown conversations created %d locks", locks)
	}

	id, err := f.svc.Initiate(ctx, "Alice", "TENANT")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := f.svc.ReceiveMessage(ctx, id, ""); err != nil {
		t.Fatalf("greeting failed: %v", err)
	}
	if _, ok := f.svc.locks.Load(id); !ok {
		t.Error("expected a lock for the stored conversation")
	}
}

func TestReceiveMessageGreetingAndDisclaimer(t *testing.T) {
	tests := []struct {
		person      string
		wantRequest bool
	}{
		{"TENANT", true},
		{"LANDLORD", false},
	}
	for _, tt := range tests {
		t.Run(tt.person, func(t *testing.T) {
			f := newFixture(t, Deps{})
			ctx := context.Background()
			id, err := f.svc.Initiate(ctx, "Alice", tt.person)
			if err != nil {
				t.Fatalf("Initiate failed: %v", err)
			}

			greeting, err := f.svc.ReceiveMessage(ctx, id, "")
			if err != nil {
				t.Fatalf("greeting failed: %v", err)
			}
			if greeting.Body.Kind != BodyHTML || !strings.Contains(greeting.Body.Content, "Alice") {
				t.Errorf("unexpected greeting body %#v", greeting.Body)
			}
			raw, err := json.Marshal(greeting)
			if err != nil {
				t.Fatalf("marshal reply: %v", err)
			}
			var payload map[string]any
			_ = json.Unmarshal(raw, &payload)
			if _, ok := payload["html"]; !ok {
				t.Errorf("expected html key, got %s", raw)
			}
			if payload["enforce_possible_answer"] != true {
				t.Errorf("expected enforced answer, got %s", raw)
			}
			answers, _ := payload["possible_answers"].([]any)
			if len(answers) != 1 || answers[0] != "Yes" {
				t.Errorf("unexpected possible answers %s", raw)
			}

			conv, _ := f.svc.Lookup(ctx, id)
			if len(conv.Messages) != 1 {
				t.Fatalf("greeting should persist only the disclaimer, got %d messages", len(conv.Messages))
			}

			ack, err := f.svc.ReceiveMessage(ctx, id, "Yes")
			if err != nil {
				t.Fatalf("acknowledgement failed: %v", err)
			}
			if got := ack.FileRequest != nil; got != tt.wantRequest {
				t.Fatalf("file request = %v, want %v", got, tt.wantRequest)
			}
			if tt.wantRequest && ack.FileRequest.DocumentType != domain.DocumentLease {
				t.Errorf("unexpected document type %q", ack.FileRequest.DocumentType)
			}
			if ack.Body.Kind != BodyText {
				t.Errorf("inquiry should be plain text")
			}

			conv, _ = f.svc.Lookup(ctx, id)
			if conv.Messages[1].SenderType != domain.SenderUser || conv.Messages[1].Text != "Yes" {
				t.Errorf("acknowledgement should be the second message, got %#v", conv.Messages[1])
			}
			if conv.Phase != domain.PhaseAwaitingCategory {
				t.Errorf("unexpected phase %q", conv.Phase)
			}
		})
	}
}

func startConversation(t *testing.T, f *fixture, person string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.svc.Initiate(ctx, "Alice", person)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	for _, msg := range []string{"", "Yes"} {
		if _, err := f.svc.ReceiveMessage(ctx, id, msg); err != nil {
			t.Fatalf("ReceiveMessage(%q) failed: %v", msg, err)
		}
	}
	return id
}

func TestReceiveMessageResolvesFactsWithAnnotation(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	id := startConversation(t, f, "LANDLORD")

	f.resolver.classify = &nlp.TurnResult{
		Message:       "How much rent is owed?",
		ClaimCategory: "nonpayment",
		CurrentFact:   &domain.Fact{ID: 4, Name: "tenant_owes_rent"},
	}
	f.resolver.submit = []*nlp.TurnResult{
		{
			Message:     "How long is the lease?",
			CurrentFact: &domain.Fact{ID: 5, Name: "lease_term"},
			FactEntity:  &domain.FactEntity{Value: "1200"},
		},
		{Message: "Thanks, that is everything."},
	}

	reply, err := f.svc.ReceiveMessage(ctx, id, "my tenant does not pay")
	if err != nil {
		t.Fatalf("classify turn failed: %v", err)
	}
	if reply.Body.Content != "How much rent is owed?" {
		t.Errorf("classification reply should not be annotated: %q", reply.Body.Content)
	}

	reply, err = f.svc.ReceiveMessage(ctx, id, "1200 dollars")
	if err != nil {
		t.Fatalf("fact turn failed: %v", err)
	}
	want := "Prediction: tenant_owes_rent=1200<br/><br/>Next question: How long is the lease?"
	if reply.Body.Content != want {
		t.Errorf("reply = %q, want %q", reply.Body.Content, want)
	}

	conv, _ := f.svc.Lookup(ctx, id)
	if conv.ClaimCategory == nil || *conv.ClaimCategory != "nonpayment" {
		t.Errorf("unexpected category %v", conv.ClaimCategory)
	}
	if conv.CurrentFact == nil || conv.CurrentFact.ID != 5 {
		t.Errorf("unexpected current fact %v", conv.CurrentFact)
	}
	if len(conv.FactEntities) != 1 || conv.FactEntities[0].FactName != "tenant_owes_rent" {
		t.Errorf("unexpected fact entities %#v", conv.FactEntities)
	}

	if _, err := f.svc.ReceiveMessage(ctx, id, "one year"); err != nil {
		t.Fatalf("last fact turn failed: %v", err)
	}
	conv, _ = f.svc.Lookup(ctx, id)
	if conv.Phase != domain.PhaseClosed || conv.CurrentFact != nil {
		t.Errorf("expected closed conversation, got phase %q fact %v", conv.Phase, conv.CurrentFact)
	}
	if _, err := f.svc.ReceiveMessage(ctx, id, "hello?"); !errors.Is(err, domain.ErrUnhandledState) {
		t.Errorf("expected ErrUnhandledState after close, got %v", err)
	}
}

func TestReceiveMessageEmptyNLPTextPersistsNothing(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	id := startConversation(t, f, "TENANT")
	f.resolver.classify = &nlp.TurnResult{}

	if _, err := f.svc.ReceiveMessage(ctx, id, "???"); !errors.Is(err, domain.ErrUnhandledState) {
		t.Fatalf("expected ErrUnhandledState, got %v", err)
	}
	conv, _ := f.svc.Lookup(ctx, id)
	if len(conv.Messages) != 3 {
		t.Errorf("failed turn must not persist messages, got %d", len(conv.Messages))
	}
}

func TestRecordConfirmation(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()

	id, _ := f.svc.Initiate(ctx, "Alice", "TENANT")
	if err := f.svc.RecordConfirmation(ctx, id, "yes"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound without user messages, got %v", err)
	}

	id = startConversation(t, f, "TENANT")
	if err := f.svc.RecordConfirmation(ctx, id, "yes"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound without a current fact, got %v", err)
	}

	f.resolver.classify = &nlp.TurnResult{
		Message:       "Do you owe rent?",
		ClaimCategory: "nonpayment",
		CurrentFact:   &domain.Fact{ID: 4, Name: "tenant_owes_rent"},
	}
	if _, err := f.svc.ReceiveMessage(ctx, id, "rent problem"); err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if err := f.svc.RecordConfirmation(ctx, id, "true"); err != nil {
		t.Fatalf("RecordConfirmation failed: %v", err)
	}
}

func TestUploadFile(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	id := startConversation(t, f, "TENANT")

	file, err := f.svc.UploadFile(ctx, id, Upload{
		Filename:    "../my lease.pdf",
		ContentType: "application/pdf",
		Content:     strings.NewReader("%PDF"),
	})
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}
	if file.Name != "my_lease.pdf" || file.Path != files.GeneratePath(id, file.ID) {
		t.Errorf("unexpected file %#v", file)
	}

	conv, _ := f.svc.Lookup(ctx, id)
	req := conv.Messages[2].FileRequest
	if req == nil || req.FileID == nil || *req.FileID != file.ID {
		t.Errorf("lease request should be fulfilled, got %#v", req)
	}

	rc, got, err := f.svc.OpenFile(ctx, id, file.ID)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "%PDF" || got.ID != file.ID {
		t.Errorf("unexpected download %q %#v", data, got)
	}

	other, _ := f.svc.Initiate(ctx, "Bob", "LANDLORD")
	if _, err := f.svc.GetFile(ctx, other, file.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for another conversation's file, got %v", err)
	}
}

func TestUploadFileRejections(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	id := startConversation(t, f, "TENANT")

	_, err := f.svc.UploadFile(ctx, id, Upload{Filename: "", ContentType: "application/pdf", Content: strings.NewReader("x")})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty filename, got %v", err)
	}

	_, err = f.svc.UploadFile(ctx, id, Upload{Filename: "virus.exe", ContentType: "application/x-msdownload", Content: strings.NewReader("x")})
	var unsupported *UnsupportedFormatError
	if !errors.As(err, &unsupported) || !errors.Is(err, domain.ErrUnsupportedFormat) {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
	if unsupported.Extension != "exe" || !strings.Contains(err.Error(), "pdf") {
		t.Errorf("unexpected error detail %q", err.Error())
	}
	if f.storage.uploads != 0 {
		t.Errorf("storage must not be called, got %d uploads", f.storage.uploads)
	}
	list, _ := f.svc.ListFiles(ctx, id)
	if len(list) != 0 {
		t.Errorf("no file row may be created, got %d", len(list))
	}
}

func TestUploadFileFailureRemovesRow(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	id := startConversation(t, f, "TENANT")
	f.storage.err = errors.New("disk full")

	_, err := f.svc.UploadFile(ctx, id, Upload{Filename: "lease.pdf", ContentType: "application/pdf", Content: strings.NewReader("x")})
	if err == nil {
		t.Fatal("expected error")
	}
	list, _ := f.svc.ListFiles(ctx, id)
	if len(list) != 0 {
		t.Errorf("failed upload must not leave a file row, got %#v", list)
	}
}

func TestGenerateReport(t *testing.T) {
	stats := &report.Statistics{Regressor: map[string]map[string]any{"additional_indemnity_money": {"mean": 10.0}}}
	stats.DataSet.Size = 500
	svc := fakeNLP{
		stats: stats,
		prediction: &nlp.Prediction{
			Outcomes: map[string]any{"orders_resiliation": "1", "additional_indemnity_money": "300"},
			SimilarPrecedents: []report.Precedent{{
				Name:     "AZ-1",
				Facts:    map[string]any{"tenant_owes_rent": "1200.0", "other": "1"},
				Outcomes: map[string]any{"orders_resiliation": "1"},
			}},
		},
	}
	f := newFixture(t, Deps{Predictor: svc, Statistics: svc})
	ctx := context.Background()
	id := startConversation(t, f, "LANDLORD")

	f.resolver.classify = &nlp.TurnResult{Message: "Rent?", ClaimCategory: "c", CurrentFact: &domain.Fact{ID: 4, Name: "tenant_owes_rent"}}
	f.resolver.submit = []*nlp.TurnResult{{Message: "Done.", FactEntity: &domain.FactEntity{Value: "1200"}}}
	for _, msg := range []string{"rent", "1200"} {
		if _, err := f.svc.ReceiveMessage(ctx, id, msg); err != nil {
			t.Fatalf("ReceiveMessage failed: %v", err)
		}
	}

	r, err := f.svc.GenerateReport(ctx, id)
	if err != nil {
		t.Fatalf("GenerateReport failed: %v", err)
	}
	if r.DataSet != 500 || r.SimilarCase != 1 || r.Outcomes["orders_resiliation"] != true {
		t.Errorf("unexpected report %#v", r)
	}
	facts := r.SimilarPrecedents[0].Facts
	if len(facts) != 1 || facts["tenant_owes_rent"] != 1200 {
		t.Errorf("unexpected precedent facts %#v", facts)
	}
}

func TestGenerateReportWithoutNLP(t *testing.T) {
	f := newFixture(t, Deps{})
	id, _ := f.svc.Initiate(context.Background(), "Alice", "TENANT")
	if _, err := f.svc.GenerateReport(context.Background(), id); !errors.Is(err, nlp.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestReplyJSONOmitsUnsetFields(t *testing.T) {
	raw, err := json.Marshal(&Reply{ConversationID: 3, Body: Text("hi"), EnforcePossibleAnswer: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"conversation_id":3,"message":"hi"}` {
		t.Fatalf("unexpected JSON %s", raw)
	}
}
