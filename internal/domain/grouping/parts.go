package grouping

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ParsedName — разбор имени файла на основу, индикатор части и расширение.
// Конкатенация Base+Part+Ext восстанавливает исходное имя, приведённое к
// нижнему регистру. Ключом кластеризации служит пара (Base, Ext).
type ParsedName struct {
	Base string // нижний регистр, без индикатора части
	Part string // индикатор части: ".part1", "_part2", " (3)", ".001", "_4" или ""
	Ext  string // нижний регистр, с ведущей точкой; многочастные .tar.gz и т.п. целиком
	N    int    // номер части; 0, если индикатора нет
}

// Многочастные расширения, которые нельзя резать по последней точке.
var multiPartExts = []string{".tar.gz", ".tar.bz2", ".tar.xz"}

// Индикаторы части в порядке убывания специфичности: ".partN" и "_partN"
// должны опознаваться раньше голых ".N" и "_N".
var partPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.part(\d+)$`),
	regexp.MustCompile(`_part(\d+)$`),
	regexp.MustCompile(` \((\d+)\)$`),
	regexp.MustCompile(`\.(\d+)$`),
	regexp.MustCompile(`_(\d+)$`),
}

// numericExt распознаёт чисто числовое расширение: ".001" у разрезанных
// архивов вида name.rar.001.
var numericExt = regexp.MustCompile(`^\.(\d+)$`)

// ParseName разбирает имя файла, снимая один индикатор части. Регистр
// приводится к нижнему, чтобы "Vol.PART2.RAR" и "vol.part1.rar" попадали в
// один кластер.
func ParseName(filename string) ParsedName {
	lower := strings.ToLower(filename)

	ext := ""
	stem := lower
	for _, m := range multiPartExts {
		if strings.HasSuffix(lower, m) && len(lower) > len(m) {
			ext = m
			stem = lower[:len(lower)-len(m)]
			break
		}
	}
	if ext == "" {
		ext = filepath.Ext(lower)
		stem = lower[:len(lower)-len(ext)]
	}

	// Числовое расширение — само по себе индикатор части: "x.rar.001".
	if m := numericExt.FindStringSubmatch(ext); m != nil && stem != "" {
		n, _ := strconv.Atoi(m[1])
		return ParsedName{Base: stem, Part: ext, Ext: "", N: n}
	}

	for _, re := range partPatterns {
		m := re.FindStringSubmatch(stem)
		if m == nil {
			continue
		}
		part := m[0]
		base := stem[:len(stem)-len(part)]
		if base == "" {
			break
		}
		n, _ := strconv.Atoi(m[1])
		return ParsedName{Base: base, Part: part, Ext: ext, N: n}
	}

	return ParsedName{Base: stem, Ext: ext}
}
