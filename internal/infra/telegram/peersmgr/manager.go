// Пакет peersmgr — персистентный кэш пиров сессии поверх bbolt и gotd
// peers.Manager. Отвечает за:
//   - загрузку сохранённых peers в менеджер при старте (офлайн-резолв);
//   - полный скан диалогов с пагинацией и сохранением снимка;
//   - выгрузку access_hash каналов для реестра доступности.
package peersmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

const (
	peersBucketName                   = "peers"
	dialogsSnapshotBucket             = "dialogs_snapshot"
	dialogsSnapshotKey                = "v1"
	dbOpenTimeout                     = time.Second
	dbFileMode            os.FileMode = 0o600
)

var (
	peersBucketBytes        = []byte(peersBucketName)
	dialogsSnapshotBuckets  = []byte(dialogsSnapshotBucket)
	dialogsSnapshotKeyBytes = []byte(dialogsSnapshotKey)
)

// DialogKind описывает тип сущности в снимке диалогов.
type DialogKind string

const (
	DialogKindUser    DialogKind = "user"
	DialogKindChat    DialogKind = "chat"
	DialogKindChannel DialogKind = "channel"
	DialogKindFolder  DialogKind = "folder"
)

// DialogRef — минимальная запись о диалоге для офлайн-списка консоли.
type DialogRef struct {
	Kind  DialogKind `json:"kind"`
	ID    int64      `json:"id"`
	Title string     `json:"title,omitempty"`
}

// Service инкапсулирует менеджер пиров и bbolt-хранилище одной сессии.
type Service struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	Mgr   *peers.Manager

	mu      sync.RWMutex
	dialogs []DialogRef
	hashes  map[int64]int64 // access_hash каналов из последнего скана
}

// New открывает кэш пиров сессии. Сетевых запросов не делает; сохранённый
// снимок диалогов подгружается сразу.
func New(api *tg.Client, dbPath string) (*Service, error) {
	if api == nil {
		return nil, errors.New("peersmgr: api client is nil")
	}
	path := strings.TrimSpace(dbPath)
	if path == "" {
		return nil, errors.New("peersmgr: db path is empty")
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("peersmgr: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("peersmgr: open db: %w", err)
	}

	s := &Service{
		db:     db,
		store:  bboltdb.NewPeerStorage(db, peersBucketBytes),
		Mgr:    (peers.Options{}).Build(api),
		hashes: make(map[int64]int64),
	}
	if err := s.loadDialogsSnapshot(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close закрывает файл базы данных.
func (s *Service) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store возвращает персистентное хранилище пиров.
func (s *Service) Store() contribstorage.PeerStorage {
	return s.store
}

// Dialogs возвращает копию офлайн-снимка диалогов.
func (s *Service) Dialogs() []DialogRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.dialogs) == 0 {
		return nil
	}
	out := make([]DialogRef, len(s.dialogs))
	copy(out, s.dialogs)
	return out
}

// ChannelHashes возвращает access_hash каналов, собранные последним сканом
// диалогов. Пустая карта до первого RefreshDialogs.
func (s *Service) ChannelHashes() map[int64]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]int64, len(s.hashes))
	for id, h := range s.hashes {
		out[id] = h
	}
	return out
}

// LoadFromStorage прогружает сохранённые peers из bbolt в peers.Manager.
// Битый JSON в бакете не фатален: бакет сбрасывается, кэш наполнится заново.
func (s *Service) LoadFromStorage(ctx context.Context) error {
	iter, exists, err := s.iterateStoredPeers(ctx)
	if err != nil {
		if isJSONUnmarshalError(err) {
			_ = s.resetPeersBucket()
			return nil
		}
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if !exists {
		return nil
	}
	defer func() { _ = iter.Close() }()

	var users []tg.UserClass
	var chats []tg.ChatClass
	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			user := value.User
			if user == nil {
				user = &tg.User{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			users = append(users, user)
		case dialogs.Chat:
			chat := value.Chat
			if chat == nil {
				chat = &tg.Chat{ID: value.Key.ID}
			}
			chats = append(chats, chat)
		case dialogs.Channel:
			channel := value.Channel
			if channel == nil {
				channel = &tg.Channel{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			chats = append(chats, channel)
		}
	}
	if err = iter.Err(); err != nil {
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, chats)
}

// RefreshDialogs выкачивает полный список диалогов, применяет сущности к
// менеджеру, обновляет снимок и карту access_hash каналов.
func (s *Service) RefreshDialogs(ctx context.Context, api *tg.Client) error {
	if api == nil {
		api = s.Mgr.API()
	}

	scan, err := fetchDialogs(ctx, api)
	if err != nil {
		return fmt.Errorf("peersmgr: fetch dialogs: %w", err)
	}

	if err = s.Mgr.Apply(ctx, scan.users, scan.chats); err != nil {
		return fmt.Errorf("peersmgr: apply entities: %w", err)
	}
	if err = s.persistSnapshot(scan.refs, scan.hashes); err != nil {
		return fmt.Errorf("peersmgr: persist dialogs snapshot: %w", err)
	}
	return nil
}

// WarmupIfEmpty прогревает пустой кэш первым сканом диалогов.
func (s *Service) WarmupIfEmpty(ctx context.Context, api *tg.Client) error {
	empty, err := s.isDatabaseEmpty()
	if err != nil {
		return fmt.Errorf("peersmgr: check db empty: %w", err)
	}
	if !empty {
		return nil
	}
	return s.RefreshDialogs(ctx, api)
}

func (s *Service) isDatabaseEmpty() (bool, error) {
	empty := true
	err := s.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(peersBucketBytes); bucket != nil {
			if key, _ := bucket.Cursor().First(); key != nil {
				empty = false
				return nil
			}
		}
		if bucket := tx.Bucket(dialogsSnapshotBuckets); bucket != nil {
			if len(bucket.Get(dialogsSnapshotKeyBytes)) > 0 {
				empty = false
			}
		}
		return nil
	})
	return empty, err
}

func (s *Service) iterateStoredPeers(ctx context.Context) (contribstorage.PeerIterator, bool, error) {
	exists := false
	if err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(peersBucketBytes) != nil
		return nil
	}); err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	iter, err := s.store.Iterate(ctx)
	if err != nil {
		return nil, false, err
	}
	return iter, true, nil
}

func isJSONUnmarshalError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	return strings.Contains(err.Error(), "json:")
}

func (s *Service) resetPeersBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(peersBucketBytes); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(peersBucketBytes)
		return err
	})
}

func (s *Service) loadDialogsSnapshot() error {
	var data []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(dialogsSnapshotBuckets)
		if bucket == nil {
			return nil
		}
		if value := bucket.Get(dialogsSnapshotKeyBytes); len(value) > 0 {
			data = append(data, value...)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("peersmgr: load snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var refs []DialogRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return fmt.Errorf("peersmgr: decode snapshot: %w", err)
	}
	s.setDialogs(refs, nil)
	return nil
}

// persistSnapshot пишет готовый снимок скана в bbolt и публикует его вместе
// с access_hash каналов.
func (s *Service) persistSnapshot(refs []DialogRef, hashes map[int64]int64) error {
	payload, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("peersmgr: marshal snapshot: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, bucketErr := tx.CreateBucketIfNotExists(dialogsSnapshotBuckets)
		if bucketErr != nil {
			return bucketErr
		}
		return bucket.Put(dialogsSnapshotKeyBytes, payload)
	})
	if err != nil {
		return fmt.Errorf("peersmgr: save snapshot: %w", err)
	}
	s.setDialogs(refs, hashes)
	return nil
}

func (s *Service) setDialogs(refs []DialogRef, hashes map[int64]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(refs) == 0 {
		s.dialogs = nil
	} else {
		s.dialogs = make([]DialogRef, len(refs))
		copy(s.dialogs, refs)
	}
	if hashes != nil {
		s.hashes = hashes
	}
}
