package output

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/retry"
)

var fastRetry = retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

// fakeUploader copies uploads into memory. failures[key] errors are
// returned, one per call, before the upload succeeds.
type fakeUploader struct {
	mu       sync.Mutex
	objects  map[string][]byte
	calls    []string
	failures map[string][]error
	closed   bool
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: map[string][]byte{}, failures: map[string][]error{}}
}

func (u *fakeUploader) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, key)
	if errs := u.failures[key]; len(errs) > 0 {
		u.failures[key] = errs[1:]
		return "", errs[0]
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	u.objects[key] = data
	return "mem://bucket/" + key, nil
}

func (u *fakeUploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}

func (u *fakeUploader) object(key string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	data, ok := u.objects[key]
	return data, ok
}

func (u *fakeUploader) factory() UploaderFactory {
	return func(ctx context.Context, dest models.UploadDestination) (Uploader, error) {
		return u, nil
	}
}

var errTransient = models.NewError(models.KindDelivery, "upload", "connection reset", errors.New("reset"))

// fakePublisher records written payloads
type fakePublisher struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	closed   bool
}

func (p *fakePublisher) Write(ctx context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	p.writes = append(p.writes, data)
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

// fakeDialer hands out one publisher per URL, or dialErr[url]
type fakeDialer struct {
	mu      sync.Mutex
	pubs    map[string]*fakePublisher
	dialErr map[string]error
	dials   map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{pubs: map[string]*fakePublisher{}, dialErr: map[string]error{}, dials: map[string]int{}}
}

func (d *fakeDialer) Dial(ctx context.Context, protocol models.StreamProtocol, rawURL string) (Publisher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[rawURL]++
	if err := d.dialErr[rawURL]; err != nil {
		return nil, err
	}
	p := &fakePublisher{}
	d.pubs[rawURL] = p
	return p, nil
}

func (d *fakeDialer) pub(rawURL string) *fakePublisher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pubs[rawURL]
}

func (d *fakeDialer) dialCount(rawURL string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[rawURL]
}

func testMeta() Meta {
	return Meta{
		EgressID:  "EG_TEST",
		RoomName:  "demo",
		RoomID:    "RM_demo",
		StartedAt: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
	}
}
