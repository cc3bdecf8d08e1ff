// Пакет dedup — оракул дубликатов. Решает, видела ли платформа файл раньше:
// точное совпадение по SHA-256, почти-дубликаты по перцептивному (pHash) и
// fuzzy (ssdeep) хешам. Авторитет точных решений — объединение таблицы
// file_hashes и её кеша в памяти; кеш строго вторичен, диск пишется первым.
// Один дубликат в группе помечает дубликатом всю группу.
package dedup

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-faster/errors"

	"telesmasher/internal/domain/messages"
	"telesmasher/internal/infra/archive"
	"telesmasher/internal/infra/config"
	"telesmasher/internal/infra/logger"
	"telesmasher/internal/infra/storage"
)

// Store — срез архива, нужный оракулу.
type Store interface {
	HasSHA256(ctx context.Context, sha string, channelID int64) (bool, error)
	ListNearHashes(ctx context.Context, channelID int64) ([]archive.FileHash, error)
	AddFileHash(ctx context.Context, h archive.FileHash) error
	AddChannelFileInventory(ctx context.Context, channelID, fileID, messageID, topicID int64) error
	AllSHA256(ctx context.Context, fn func(sha string) error) error
}

// Downloader скачивает медиа сообщения в заданный путь и возвращает итоговый
// путь. Реализуется сессией пула.
type Downloader interface {
	Download(ctx context.Context, m messages.Message, path string) (string, error)
}

// probe — результат ощупывания одного файла: скачанный путь и вычисленные
// хеши. Кешируется между IsDuplicate и Record, чтобы файл не скачивался и не
// хешировался дважды.
type probe struct {
	path   string
	size   int64
	sha    string
	mime   string
	phash  string
	fhash  string
	failed bool
}

// Oracle принимает решения о дубликатах и записывает отпечатки.
type Oracle struct {
	store   Store
	opts    config.Deduplication
	scratch string

	// mu защищает оба кеша: множество отпечатков только растёт, кеш проб
	// живёт от IsDuplicate до Record и сбрасывается FlushProbes.
	mu     sync.Mutex
	seen   map[string]struct{}
	probes map[int64]*probe
}

// New собирает оракул. scratchBase — каталог для временных скачиваний
// (обычно media_dir); рабочий подкаталог создаётся на процесс.
func New(store Store, opts config.Deduplication, scratchBase string) (*Oracle, error) {
	scratch, err := storage.ScratchDir(scratchBase)
	if err != nil {
		return nil, errors.Wrap(err, "allocate scratch dir")
	}
	return &Oracle{
		store:   store,
		opts:    opts,
		scratch: scratch,
		seen:    make(map[string]struct{}),
		probes:  make(map[int64]*probe),
	}, nil
}

// Hydrate прогревает множество отпечатков из таблицы file_hashes. Вызывается
// один раз на старте, до первых решений.
func (o *Oracle) Hydrate(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	err := o.store.AllSHA256(ctx, func(sha string) error {
		o.seen[sha] = struct{}{}
		n++
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "hydrate fingerprints")
	}
	logger.Infof("dedup: hydrated %d fingerprints", n)
	return nil
}

// scopeFor возвращает канал для сужения поиска: сам канал при scope=channel,
// 0 (весь архив) при scope=global.
func (o *Oracle) scopeFor(channelID int64) int64 {
	if o.opts.Scope == config.ScopeChannel {
		return channelID
	}
	return 0
}

// IsDuplicate решает, является ли группа дубликатом относительно канала
// originChannel. Достаточно одного совпавшего файла. Сообщения без файлов,
// пустые и несскачавшиеся файлы дубликатами не считаются.
func (o *Oracle) IsDuplicate(ctx context.Context, dl Downloader, group []messages.Message, originChannel int64) (bool, error) {
	scope := o.scopeFor(originChannel)
	for _, m := range group {
		if !m.HasFile() {
			continue
		}
		p := o.probeFile(ctx, dl, m)
		if p.failed || p.size == 0 {
			continue
		}

		dup, err := o.matchExact(ctx, p.sha, scope)
		if err != nil {
			return false, err
		}
		if !dup && o.opts.EnableNearDuplicates {
			dup, err = o.matchNear(ctx, p, scope)
			if err != nil {
				return false, err
			}
		}
		if dup {
			logger.Debugf("dedup: message %d is a duplicate (file %d)", m.ID, m.File.ID)
			return true, nil
		}
	}
	return false, nil
}

// Record фиксирует отпечатки группы после успешной пересылки: сначала строки
// file_hashes и инвентаря на диске, затем кеш в памяти. Пустые и
// несскачавшиеся файлы в хранилище не попадают.
func (o *Oracle) Record(ctx context.Context, dl Downloader, group []messages.Message, originChannel int64) error {
	for _, m := range group {
		if !m.HasFile() {
			continue
		}
		p := o.probeFile(ctx, dl, m)
		if p.failed || p.size == 0 {
			continue
		}

		if err := o.store.AddFileHash(ctx, archive.FileHash{
			FileID:         m.File.ID,
			SHA256:         p.sha,
			PerceptualHash: p.phash,
			FuzzyHash:      p.fhash,
		}); err != nil {
			return errors.Wrapf(err, "record file %d", m.File.ID)
		}
		if err := o.store.AddChannelFileInventory(ctx, originChannel, m.File.ID, m.ID, m.TopicID); err != nil {
			return errors.Wrapf(err, "record inventory %d", m.File.ID)
		}

		o.mu.Lock()
		o.seen[p.sha] = struct{}{}
		o.mu.Unlock()
	}
	return nil
}

// FlushProbes сбрасывает кеш проб и удаляет скачанные файлы. Вызывается по
// завершении прогона пересылки.
func (o *Oracle) FlushProbes() {
	o.mu.Lock()
	probes := o.probes
	o.probes = make(map[int64]*probe)
	o.mu.Unlock()

	for _, p := range probes {
		if p.path == "" {
			continue
		}
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			logger.Warnf("dedup: remove scratch file: %v", err)
		}
	}
}

// matchExact проверяет SHA-256 в кеше и в таблице. Кеш не различает каналы,
// поэтому при канальном scope решает только таблица.
func (o *Oracle) matchExact(ctx context.Context, sha string, scope int64) (bool, error) {
	if scope == 0 {
		o.mu.Lock()
		_, hit := o.seen[sha]
		o.mu.Unlock()
		if hit {
			return true, nil
		}
	}
	return o.store.HasSHA256(ctx, sha, scope)
}

// matchNear сравнивает пробу с сохранёнными почти-отпечатками. Перцептивная
// ветка — только для изображений, расстояние <= порога; fuzzy — похожесть
// >= порога.
func (o *Oracle) matchNear(ctx context.Context, p *probe, scope int64) (bool, error) {
	if p.phash == "" && p.fhash == "" {
		return false, nil
	}
	known, err := o.store.ListNearHashes(ctx, scope)
	if err != nil {
		return false, err
	}
	for _, k := range known {
		if p.phash != "" && k.PerceptualHash != "" {
			d, err := phashDistance(p.phash, k.PerceptualHash)
			if err == nil && d <= o.opts.PerceptualHashDistanceThreshold {
				return true, nil
			}
		}
		if p.fhash != "" && k.FuzzyHash != "" {
			score, err := fuzzyScore(p.fhash, k.FuzzyHash)
			if err == nil && score >= o.opts.FuzzyHashSimilarityThreshold {
				return true, nil
			}
		}
	}
	return false, nil
}

// probeFile скачивает и хеширует файл сообщения, мемоизируя результат по
// file_id. Неудачное скачивание журналируется и помечает пробу failed:
// сообщение пройдёт как не-дубликат и не попадёт в хранилище.
func (o *Oracle) probeFile(ctx context.Context, dl Downloader, m messages.Message) *probe {
	o.mu.Lock()
	if p, ok := o.probes[m.File.ID]; ok {
		o.mu.Unlock()
		return p
	}
	o.mu.Unlock()

	p := &probe{}
	target := filepath.Join(o.scratch, strconv.FormatInt(m.File.ID, 10))
	path, err := dl.Download(ctx, m, target)
	if err != nil {
		logger.Warnf("dedup: download file %d: %v", m.File.ID, err)
		p.failed = true
		return o.memoize(m.File.ID, p)
	}
	p.path = path

	info, err := os.Stat(path)
	if err != nil {
		logger.Warnf("dedup: stat file %d: %v", m.File.ID, err)
		p.failed = true
		return o.memoize(m.File.ID, p)
	}
	p.size = info.Size()
	if p.size == 0 {
		return o.memoize(m.File.ID, p)
	}

	if p.sha, err = sha256File(path); err != nil {
		logger.Warnf("dedup: hash file %d: %v", m.File.ID, err)
		p.failed = true
		return o.memoize(m.File.ID, p)
	}

	if o.opts.EnableNearDuplicates {
		if p.mime, err = sniffMIME(path); err != nil {
			logger.Debugf("dedup: sniff file %d: %v", m.File.ID, err)
		}
		if isImage(p.mime) {
			if p.phash, err = perceptualHash(path); err != nil {
				logger.Debugf("dedup: phash file %d: %v", m.File.ID, err)
			}
		}
		if p.fhash, err = fuzzyHash(path); err != nil {
			logger.Debugf("dedup: fuzzy hash file %d: %v", m.File.ID, err)
		}
	}
	return o.memoize(m.File.ID, p)
}

func (o *Oracle) memoize(fileID int64, p *probe) *probe {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.probes[fileID]; ok {
		return existing
	}
	o.probes[fileID] = p
	return p
}
