// Package redact — фильтр чувствительных данных для логов и персистентных сообщений об ошибках.
// Любая строка, уходящая в лог, в очередь или в статус-колонку БД, обязана пройти через String().
// Набор паттернов фиксирован: пары ключ=значение с секретами, bearer-токены, токены Bot API
// и длинные base64-блобы. Замена сохраняет имя ключа, чтобы логи оставались читаемыми.

package redact

import (
	"regexp"
)

// placeholder подставляется на место вырезанного секрета.
const placeholder = "[REDACTED]"

var (
	// keyValuePatterns — секреты вида key=value; значение вырезается, ключ остаётся.
	keyValuePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(password=)\S+`),
		regexp.MustCompile(`(?i)(token=)\S+`),
		regexp.MustCompile(`(?i)(api_id=)\S+`),
		regexp.MustCompile(`(?i)(api_hash=)\S+`),
	}

	// bearerPattern — заголовки авторизации вида "Bearer <token>".
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`)

	// botTokenPattern — токены Bot API: числовой id от 10 цифр, двоеточие, 35 символов секрета.
	botTokenPattern = regexp.MustCompile(`\d{10,}:\w{35}`)

	// base64Pattern — непрерывные base64-подобные блобы от 50 символов: ключи, сессии, дампы.
	base64Pattern = regexp.MustCompile(`[A-Za-z0-9+/]{50,}={0,2}`)
)

// String прогоняет текст через все паттерны и возвращает очищенную копию.
// Порядок важен: сперва пары ключ=значение, затем свободные токены, последним — base64,
// чтобы уже подставленные плейсхолдеры не задели соседний текст.
func String(s string) string {
	if s == "" {
		return s
	}
	for _, re := range keyValuePatterns {
		s = re.ReplaceAllString(s, "${1}"+placeholder)
	}
	s = bearerPattern.ReplaceAllString(s, placeholder)
	s = botTokenPattern.ReplaceAllString(s, placeholder)
	s = base64Pattern.ReplaceAllString(s, placeholder)
	return s
}

// Error очищает текст ошибки. Для nil возвращает пустую строку.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
