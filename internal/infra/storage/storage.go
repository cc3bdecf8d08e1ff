// Package storage — утилиты безопасной работы с локальным хранилищем.
// В этом файле реализованы:
//   - EnsureDir — гарантирует наличие директории для целевого пути;
//   - AtomicWriteFile — атомарная запись файла с синхронизацией данных и метаданных;
//   - AtomicRename — атомарная замена готового файла (для больших скачиваний);
//   - SecureDelete — трёхпроходное затирание файла перед удалением;
//   - ScratchDir — выделение рабочего каталога под временные скачивания.
//
// Используется для хранения MTProto-сессий, скачанных медиа и прочих чувствительных
// данных, где недопустимы частично записанные файлы.
package storage

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"telesmasher/internal/infra/logger"
)

// DefaultFilePerm — права, выставляемые на итоговый файл при атомарной записи.
// Значение 0o600 ограничивает доступ только владельцу процесса.
const DefaultFilePerm = 0o600

// wipeChunkSize — размер буфера затирания в SecureDelete.
const wipeChunkSize = 64 * 1024

// EnsureDir гарантирует наличие каталога для указанного файла.
// Если путь не содержит директорию ("." или пустая строка), ничего не делает.
// Создание выполняется с правами 0o700, ошибки оборачиваются с указанием каталога.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile атомарно записывает байты в файл path.
//
// Алгоритм: temp в той же директории → write → fsync(temp) → chmod(DefaultFilePerm)
// → close → rename → fsync(dir). Это гарантирует, что либо старый файл остаётся
// цел, либо новый записан полностью. Важно: os.Rename атомарен только в пределах
// одного файлового тома. fsync каталога выполняется по принципу best‑effort и
// может игнорироваться некоторыми ОС/ФС, но заметно повышает надёжность метаданных.
// Права на итоговый файл задаются значением DefaultFilePerm (0o600).
func AtomicWriteFile(path string, data []byte) error {
	// Нормализуем путь и работаем только с очищённым значением.
	clean := filepath.Clean(path)
	// Гарантируем существование каталога.
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	var tmp *os.File
	// Создаём temp в том же каталоге, чтобы rename был атомарным.
	if tmpFile, err := os.CreateTemp(dir, "atomic-*.tmp"); err != nil {
		return fmt.Errorf("create temp file: %w", err)
	} else {
		tmp = tmpFile
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	// Пишем данные.
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	// Синхронизируем содержимое temp на диск.
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	// Выставляем права для будущего целевого файла.
	if err := tmp.Chmod(DefaultFilePerm); err != nil {
		// Не критично, но лучше не скрывать проблему прав.
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	// Закрываем — теперь можно переименовывать.
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Атомарная замена: на POSIX rename поверх существующего файла — атомарна.
	// Важно: path должен лежать на том же файловом томе, что и temp.
	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	syncDir(dir)
	return nil
}

// AtomicRename переименовывает полностью записанный temp-файл в целевое имя.
// Для больших скачиваний, которые пишутся потоково: вызывающий сам пишет во временный
// файл, а затем фиксирует результат одним rename. Каталог синхронизируется best-effort.
func AtomicRename(tmpPath, path string) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, clean); err != nil {
		return fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	syncDir(filepath.Dir(clean))
	return nil
}

// syncDir выполняет fsync каталога. Best-effort: часть ОС/ФС не поддерживает.
func syncDir(dir string) {
	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Warnf("storage: dir sync error: %v", errSync) // best-effort для Windows/некоторых FS
		}
		_ = dirFile.Close()
	}
}

// ScratchDir создаёт уникальный рабочий каталог под временные скачивания внутри base.
// Вызывающий обязан удалить каталог по завершении работы (обычно через os.RemoveAll в defer).
func ScratchDir(base string) (string, error) {
	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", fmt.Errorf("create scratch base %s: %w", base, err)
	}
	dir, err := os.MkdirTemp(base, "run-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// SecureDelete затирает файл тремя проходами (нули, единицы, случайные байты) и удаляет его.
// Каждый проход завершается fsync. Отсутствующий файл не считается ошибкой.
// На CoW-файловых системах гарантии затирания ограничены — это известное свойство метода.
func SecureDelete(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secure delete %s: is a directory", path)
	}

	size := info.Size()
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s for wipe: %w", path, err)
	}

	for pass := 0; pass < 3; pass++ {
		if err = wipePass(file, size, pass); err != nil {
			_ = file.Close()
			return fmt.Errorf("wipe pass %d of %s: %w", pass+1, path, err)
		}
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("close %s after wipe: %w", path, err)
	}
	if err = os.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// wipePass перезаписывает файл целиком одним шаблоном: 0x00, 0xFF или случайными байтами.
func wipePass(file *os.File, size int64, pass int) error {
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}

	buf := make([]byte, wipeChunkSize)
	switch pass {
	case 0:
		// буфер уже нулевой
	case 1:
		for i := range buf {
			buf[i] = 0xFF
		}
	default:
		if _, err := rand.Read(buf); err != nil {
			return err
		}
	}

	remaining := size
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		if _, err := file.Write(buf[:chunk]); err != nil {
			return err
		}
		remaining -= chunk
	}
	return file.Sync()
}
