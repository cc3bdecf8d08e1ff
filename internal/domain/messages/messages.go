// Пакет messages — общий словарь предметной области: сообщение источника,
// файл при нём, пользователь, медиа-карточка и разрешённая сущность Telegram.
// Все компоненты конвейера (группировка, дедупликация, атрибуция, пересылка,
// архив) обмениваются этими типами, а не сырыми объектами MTProto. Сырой
// tg.Message возится рядом: он нужен только транспортным глаголам пула.
package messages

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/gotd/td/tg"
)

// ChatType — вид контейнера Telegram после разрешения сущности.
type ChatType int

const (
	ChatUnknown ChatType = iota
	ChatChannel
	ChatMegagroup
	ChatGigagroup
	ChatGroup
	ChatUser
)

func (t ChatType) String() string {
	switch t {
	case ChatChannel:
		return "channel"
	case ChatMegagroup:
		return "megagroup"
	case ChatGigagroup:
		return "gigagroup"
	case ChatGroup:
		return "chat"
	case ChatUser:
		return "user"
	default:
		return "unknown"
	}
}

// Типы сообщений в архиве.
const (
	TypeText      = "text"
	TypePhoto     = "photo"
	TypeVideo     = "video"
	TypeDocument  = "document"
	TypeAudio     = "audio"
	TypeVoice     = "voice"
	TypeSticker   = "sticker"
	TypeAnimation = "animation"
	TypePoll      = "poll"
	TypeWebpage   = "webpage"
	TypeContact   = "contact"
	TypeGeo       = "geo"
	TypeUnknown   = "unknown"
)

// File — файл, приложенный к сообщению. ID и AccessHash — идентичность
// документа на стороне Telegram; Name/MIME/Size приходят из атрибутов.
type File struct {
	ID         int64
	AccessHash int64
	Name       string
	MIME       string
	Size       int64
}

// User — автор сообщения.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// DisplayName собирает человекочитаемое имя: "Имя Фамилия", @username или id.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.Username != "":
		return "@" + u.Username
	default:
		return strconv.FormatInt(u.ID, 10)
	}
}

// Media — карточка медиа в архиве: внешние атрибуты без самих байтов.
type Media struct {
	ID          int64
	Type        string
	URL         string
	Title       string
	Description string
	Thumb       string
	Checksum    string
}

// Message — сообщение источника в терминах конвейера. ID стабилен в рамках
// источника. Checksum заполняется перед записью в архив и после этого
// неизменяем. Raw хранит исходный tg.Message для транспортных глаголов.
type Message struct {
	ID         int64
	Type       string
	Date       time.Time
	EditDate   time.Time
	Text       string
	ReplyTo    int64
	TopicID    int64
	SenderID   int64
	SenderName string
	File       *File
	Checksum   string

	Raw *tg.Message
}

// HasFile сообщает, несёт ли сообщение файл.
func (m Message) HasFile() bool {
	return m.File != nil && m.File.ID != 0
}

// MediaID возвращает идентификатор медиа для ссылки из строки архива.
func (m Message) MediaID() (int64, bool) {
	if !m.HasFile() {
		return 0, false
	}
	return m.File.ID, true
}

// ComputeChecksum считает детерминированную контрольную сумму содержимого
// сообщения: SHA-256 канонической строки из id, даты, типа, текста и
// идентичности файла.
func ComputeChecksum(m Message) string {
	var fileID, fileSize int64
	if m.File != nil {
		fileID = m.File.ID
		fileSize = m.File.Size
	}
	canonical := fmt.Sprintf("v1|%d|%d|%s|%s|%d|%d",
		m.ID, m.Date.Unix(), m.Type, m.Text, fileID, fileSize)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// ResolvedEntity — сущность Telegram после разрешения: всё, что нужно
// конвейеру, вычислено один раз и передаётся явно. Peer хранит входной пир
// для RPC-вызовов.
type ResolvedEntity struct {
	ID                    int64
	AccessHash            int64
	Kind                  ChatType
	Title                 string
	Username              string
	Description           string
	TranslatedDescription string
	ParticipantsCount     int
	FirstPostID           int64

	Peer tg.InputPeerClass
}

// Handle возвращает адрес сущности для журналов: @username или числовой id.
func (e ResolvedEntity) Handle() string {
	if e.Username != "" {
		return "@" + e.Username
	}
	return strconv.FormatInt(e.ID, 10)
}

// IsBroadcast сообщает, является ли сущность вещательным каналом.
func (e ResolvedEntity) IsBroadcast() bool {
	return e.Kind == ChatChannel || e.Kind == ChatGigagroup
}
