package job

import "testing"

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestSpecValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"image refresh scoped", ImageRefresh("p1"), false},
		{"image refresh unscoped", ImageRefresh(""), true},
		{"link validation scoped", LinkValidation("p1"), false},
		{"link validation sweep", LinkValidation(""), false},
		{"full sync", FullSync(), false},
		{"full sync with product", Spec{Kind: KindFullSync, ProductID: "p1"}, true},
		{"unknown kind", Spec{Kind: "reindex"}, true},
	}
	for _, tt := range tests {
		err := tt.spec.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	j, err := New(LinkValidation("p9"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if j.ID == "" || j.Status != StatusPending || j.ScheduledAt.IsZero() {
		t.Errorf("New returned %+v", j)
	}
	if j.Spec() != LinkValidation("p9") {
		t.Errorf("Spec() = %+v", j.Spec())
	}

	if _, err := New(Spec{Kind: "bogus"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestCreateRequestSpec(t *testing.T) {
	t.Parallel()
	r := &CreateRequest{Type: "full_sync"}
	s, err := r.Spec()
	if err != nil || s.Kind != KindFullSync {
		t.Errorf("Spec() = %+v, %v", s, err)
	}

	r = &CreateRequest{Type: "delete_everything"}
	if _, err := r.Spec(); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestProgress(t *testing.T) {
	t.Parallel()
	tests := []struct{ processed, total, want int }{
		{0, 0, 0},
		{1, 3, 33},
		{3, 3, 100},
		{5, 3, 100},
	}
	for _, tt := range tests {
		if got := Progress(tt.processed, tt.total); got != tt.want {
			t.Errorf("Progress(%d, %d) = %d, want %d", tt.processed, tt.total, got, tt.want)
		}
	}
}
