package dedup_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"testing"

	"github.com/corona10/goimagehash"

	"telesmasher/internal/domain/dedup"
	"telesmasher/internal/domain/messages"
	"telesmasher/internal/infra/archive"
	"telesmasher/internal/infra/config"
)

// fakeStore держит отпечатки в памяти и считает обращения.
type fakeStore struct {
	shas      map[string]bool
	near      []archive.FileHash
	recorded  []archive.FileHash
	inventory int
}

func (s *fakeStore) HasSHA256(_ context.Context, sha string, _ int64) (bool, error) {
	return s.shas[sha], nil
}

func (s *fakeStore) ListNearHashes(_ context.Context, _ int64) ([]archive.FileHash, error) {
	return s.near, nil
}

func (s *fakeStore) AddFileHash(_ context.Context, h archive.FileHash) error {
	if s.shas == nil {
		s.shas = make(map[string]bool)
	}
	s.shas[h.SHA256] = true
	s.recorded = append(s.recorded, h)
	return nil
}

func (s *fakeStore) AddChannelFileInventory(_ context.Context, _, _, _, _ int64) error {
	s.inventory++
	return nil
}

func (s *fakeStore) AllSHA256(_ context.Context, fn func(string) error) error {
	for sha := range s.shas {
		if err := fn(sha); err != nil {
			return err
		}
	}
	return nil
}

// fakeDownloader пишет заранее заданные байты per file_id. Отсутствие записи
// имитирует неудачное скачивание.
type fakeDownloader struct {
	blobs map[int64][]byte
	calls int
}

func (d *fakeDownloader) Download(_ context.Context, m messages.Message, path string) (string, error) {
	d.calls++
	blob, ok := d.blobs[m.File.ID]
	if !ok {
		return "", os.ErrNotExist
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func fileMsg(id, fileID int64) messages.Message {
	return messages.Message{
		ID:   id,
		Type: messages.TypeDocument,
		File: &messages.File{ID: fileID, Name: "blob.bin", Size: 1},
	}
}

func opts() config.Deduplication {
	return config.Deduplication{
		EnableNearDuplicates:            true,
		FuzzyHashSimilarityThreshold:    85,
		PerceptualHashDistanceThreshold: 10,
		Scope:                           config.ScopeGlobal,
	}
}

func TestExactDuplicate(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	oracle, err := dedup.New(store, opts(), t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dl := &fakeDownloader{blobs: map[int64][]byte{
		11: []byte("same payload"),
		12: []byte("same payload"),
	}}
	ctx := context.Background()

	first := []messages.Message{fileMsg(1, 11)}
	dup, err := oracle.IsDuplicate(ctx, dl, first, 100)
	if err != nil || dup {
		t.Fatalf("IsDuplicate() first = %v, %v; want false, nil", dup, err)
	}
	if err := oracle.Record(ctx, dl, first, 100); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if len(store.recorded) != 1 || store.inventory != 1 {
		t.Fatalf("Record() wrote %d hashes, %d inventory rows; want 1, 1",
			len(store.recorded), store.inventory)
	}

	// Те же байты под другим file_id — точный дубликат.
	second := []messages.Message{fileMsg(2, 12)}
	dup, err = oracle.IsDuplicate(ctx, dl, second, 100)
	if err != nil || !dup {
		t.Fatalf("IsDuplicate() second = %v, %v; want true, nil", dup, err)
	}
}

func TestProbeMemoized(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	oracle, err := dedup.New(store, opts(), t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dl := &fakeDownloader{blobs: map[int64][]byte{21: []byte("payload")}}
	ctx := context.Background()

	group := []messages.Message{fileMsg(1, 21)}
	if _, err := oracle.IsDuplicate(ctx, dl, group, 100); err != nil {
		t.Fatalf("IsDuplicate() error = %v", err)
	}
	if err := oracle.Record(ctx, dl, group, 100); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	// Между IsDuplicate и Record файл скачивается ровно один раз.
	if dl.calls != 1 {
		t.Fatalf("Download called %d times, want 1", dl.calls)
	}
}

func TestFailedAndEmptyDownloads(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	oracle, err := dedup.New(store, opts(), t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dl := &fakeDownloader{blobs: map[int64][]byte{
		31: {}, // пустой файл
		// 32 отсутствует: скачивание падает
	}}
	ctx := context.Background()

	group := []messages.Message{fileMsg(1, 31), fileMsg(2, 32)}
	dup, err := oracle.IsDuplicate(ctx, dl, group, 100)
	if err != nil || dup {
		t.Fatalf("IsDuplicate() = %v, %v; want false, nil", dup, err)
	}
	if err := oracle.Record(ctx, dl, group, 100); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	// Ни пустой, ни несскачавшийся файл не попадают в хранилище.
	if len(store.recorded) != 0 {
		t.Fatalf("Record() wrote %d hashes, want 0", len(store.recorded))
	}
}

func TestGroupTaint(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	oracle, err := dedup.New(store, opts(), t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dl := &fakeDownloader{blobs: map[int64][]byte{
		41: []byte("known file"),
		42: []byte("fresh file"),
	}}
	ctx := context.Background()

	if err := oracle.Record(ctx, dl, []messages.Message{fileMsg(1, 41)}, 100); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	// Один известный файл пятнает всю группу.
	mixed := []messages.Message{fileMsg(2, 42), fileMsg(3, 41)}
	dup, err := oracle.IsDuplicate(ctx, dl, mixed, 100)
	if err != nil || !dup {
		t.Fatalf("IsDuplicate() = %v, %v; want true, nil", dup, err)
	}
}

func TestPerceptualMatch(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for x := 0; x < 128; x++ {
		for y := 0; y < 128; y++ {
			c := uint8((x * y) % 256)
			img.Set(x, y, color.RGBA{R: c, G: c / 2, B: 255 - c, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	phash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		t.Fatalf("PerceptionHash() error = %v", err)
	}

	// В хранилище лежит перцептивный отпечаток того же изображения под чужим
	// sha256: точная ветка промахнётся, перцептивная должна сработать.
	store := &fakeStore{
		near: []archive.FileHash{{FileID: 900, SHA256: "other", PerceptualHash: phash.ToString()}},
	}
	oracle, err := dedup.New(store, opts(), t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dl := &fakeDownloader{blobs: map[int64][]byte{51: buf.Bytes()}}

	m := fileMsg(1, 51)
	m.File.Name = "picture.png"
	dup, err := oracle.IsDuplicate(context.Background(), dl, []messages.Message{m}, 100)
	if err != nil || !dup {
		t.Fatalf("IsDuplicate() = %v, %v; want true, nil", dup, err)
	}
}
