package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/glaslos/ssdeep"
	"github.com/go-faster/errors"
	"github.com/h2non/filetype"
)

// hashChunkSize — размер блока потокового чтения при расчёте SHA-256.
const hashChunkSize = 64 * 1024

// sha256File считает точный отпечаток файла потоково, блоками по 64 КиБ.
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open for sha256")
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", errors.Wrap(err, "hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sniffMIME определяет MIME по магическим байтам файла. Неопознанный тип
// возвращается пустой строкой, не ошибкой.
func sniffMIME(path string) (string, error) {
	t, err := filetype.MatchFile(path)
	if err != nil {
		return "", errors.Wrap(err, "sniff mime")
	}
	if t == filetype.Unknown {
		return "", nil
	}
	return t.MIME.Value, nil
}

// isImage сообщает, относится ли MIME к перцептивной ветке.
func isImage(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

// perceptualHash считает pHash изображения. Для одинаковых байтов результат
// детерминирован. Нераскодируемое изображение — ошибка вызывающему: файл
// пройдёт без перцептивной ветки.
func perceptualHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open for phash")
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return "", errors.Wrap(err, "decode image")
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return "", errors.Wrap(err, "perception hash")
	}
	return h.ToString(), nil
}

// phashDistance возвращает расстояние Хэмминга между двумя pHash в строковом
// представлении goimagehash.
func phashDistance(a, b string) (int, error) {
	ha, err := goimagehash.ImageHashFromString(a)
	if err != nil {
		return 0, errors.Wrap(err, "parse phash")
	}
	hb, err := goimagehash.ImageHashFromString(b)
	if err != nil {
		return 0, errors.Wrap(err, "parse phash")
	}
	return ha.Distance(hb)
}

// fuzzyHash считает ssdeep-хеш файла. Файлы короче минимума ssdeep
// пропускают ветку: возвращается пустая строка без ошибки.
func fuzzyHash(path string) (string, error) {
	h, err := ssdeep.FuzzyFilename(path)
	if err != nil {
		if errors.Is(err, ssdeep.ErrFileTooSmall) {
			return "", nil
		}
		return "", errors.Wrap(err, "fuzzy hash")
	}
	return h, nil
}

// fuzzyScore возвращает похожесть двух ssdeep-хешей, 0..100.
func fuzzyScore(a, b string) (int, error) {
	score, err := ssdeep.Distance(a, b)
	return score, errors.Wrap(err, "fuzzy distance")
}
