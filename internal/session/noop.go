package session

import "context"

// NoopStore discards all writes and returns empty reads. Used when
// persistence is disabled.
type NoopStore struct{}

func (s *NoopStore) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	return nil
}

func (s *NoopStore) Get(ctx context.Context, id string) (*Record, error) { return nil, nil }

func (s *NoopStore) Update(ctx context.Context, rec *Record) error { return nil }

func (s *NoopStore) Delete(ctx context.Context, id string) error { return nil }

func (s *NoopStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	return nil, nil
}

func (s *NoopStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return nil, nil
}

func (s *NoopStore) AddContent(ctx context.Context, sessionID string, msg *StoredContent) error {
	return nil
}

func (s *NoopStore) History(ctx context.Context, sessionID string) ([]StoredContent, error) {
	return nil, nil
}

func (s *NoopStore) AddUsage(ctx context.Context, id string, inputTokens, outputTokens int) error {
	return nil
}

func (s *NoopStore) UpdateStatus(ctx context.Context, id string, status Status) error { return nil }

func (s *NoopStore) SetCurrent(ctx context.Context, sessionID string) error { return nil }

func (s *NoopStore) GetCurrent(ctx context.Context) (*Record, error) { return nil, nil }

func (s *NoopStore) ClearCurrent(ctx context.Context) error { return nil }

func (s *NoopStore) Close() error { return nil }
