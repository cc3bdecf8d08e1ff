// Пакет session — файловое хранилище MTProto-сессий аккаунтов.
// Запись атомарна: падение посреди сохранения не оставляет частичного файла,
// из-за которого аккаунт пришлось бы авторизовывать заново. О связности
// докладывает сам пул, а не хранилище: файл сессии обновляется и без сети.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"

	"telesmasher/internal/infra/storage"
)

// FileStorage реализует tdsession.Storage поверх одного файла на аккаунт.
// Load/Store защищены мьютексом: конкурирующие обновления сессии не должны
// рвать файл.
type FileStorage struct {
	Path string
	mux  sync.Mutex
}

var _ tdsession.Storage = (*FileStorage)(nil)

// LoadSession читает файл сессии с диска.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}
	return nil
}
