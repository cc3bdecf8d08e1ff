package archive

// schema — идемпотентный DDL архива. Выполняется при каждом открытии базы:
// CREATE TABLE IF NOT EXISTS создаёт недостающие таблицы, не трогая данные.
// Изменения существующих таблиц идут только форвардными миграциями
// (см. migrations в engine.go).
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id         INTEGER PRIMARY KEY,
    username   TEXT,
    first_name TEXT,
    last_name  TEXT
);

CREATE TABLE IF NOT EXISTS media (
    id          INTEGER PRIMARY KEY,
    type        TEXT NOT NULL,
    url         TEXT,
    title       TEXT,
    description TEXT,
    thumb       TEXT,
    checksum    TEXT
);

-- id сообщения стабилен в рамках источника, поэтому ключ составной.
CREATE TABLE IF NOT EXISTS messages (
    channel_id INTEGER NOT NULL,
    id         INTEGER NOT NULL,
    type       TEXT NOT NULL,
    date       INTEGER NOT NULL,
    edit_date  INTEGER,
    content    TEXT,
    reply_to   INTEGER,
    topic_id   INTEGER,
    user_id    INTEGER REFERENCES users(id),
    media_id   INTEGER REFERENCES media(id),
    file_size  INTEGER NOT NULL DEFAULT 0,
    checksum   TEXT NOT NULL,
    PRIMARY KEY (channel_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(channel_id, date);

-- Только добавление: текущий чекпоинт — последняя строка пары по времени.
CREATE TABLE IF NOT EXISTS checkpoints (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    entity          TEXT NOT NULL,
    context         TEXT NOT NULL,
    last_message_id INTEGER NOT NULL,
    checkpoint_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_entity
    ON checkpoints(entity, context, checkpoint_time);

CREATE TABLE IF NOT EXISTS account_channel_access (
    account_phone TEXT NOT NULL,
    channel_id    INTEGER NOT NULL,
    channel_name  TEXT,
    access_hash   INTEGER,
    last_seen     INTEGER NOT NULL,
    PRIMARY KEY (account_phone, channel_id)
);

CREATE TABLE IF NOT EXISTS file_hashes (
    file_id         INTEGER PRIMARY KEY,
    sha256          TEXT NOT NULL,
    perceptual_hash TEXT,
    fuzzy_hash      TEXT,
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_hashes_sha ON file_hashes(sha256);

CREATE TABLE IF NOT EXISTS channel_file_inventory (
    channel_id INTEGER NOT NULL,
    file_id    INTEGER NOT NULL,
    message_id INTEGER NOT NULL,
    topic_id   INTEGER,
    PRIMARY KEY (channel_id, file_id, message_id)
);

CREATE TABLE IF NOT EXISTS channel_forward_schedule (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    source          TEXT NOT NULL,
    destination     TEXT NOT NULL,
    cron_expr       TEXT NOT NULL,
    last_message_id INTEGER NOT NULL DEFAULT 0,
    is_enabled      INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS channel_forward_stats (
    channel_id         INTEGER PRIMARY KEY,
    messages_forwarded INTEGER NOT NULL DEFAULT 0,
    files_forwarded    INTEGER NOT NULL DEFAULT 0,
    bytes_forwarded    INTEGER NOT NULL DEFAULT 0,
    updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS file_forward_schedule (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    source          TEXT NOT NULL,
    destination     TEXT NOT NULL,
    cron_expr       TEXT NOT NULL,
    mime_whitelist  TEXT,
    min_size        INTEGER NOT NULL DEFAULT 0,
    max_size        INTEGER NOT NULL DEFAULT 0,
    priority        INTEGER NOT NULL DEFAULT 0,
    last_message_id INTEGER NOT NULL DEFAULT 0,
    is_enabled      INTEGER NOT NULL DEFAULT 1
);

-- status: pending | success | error:<короткая причина>. Переход ровно один.
CREATE TABLE IF NOT EXISTS file_forward_queue (
    queue_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    schedule_id INTEGER,
    message_id  INTEGER NOT NULL,
    file_id     INTEGER NOT NULL,
    source      TEXT NOT NULL,
    destination TEXT,
    priority    INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'pending',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_pending
    ON file_forward_queue(status, priority, queue_id);

CREATE TABLE IF NOT EXISTS file_forward_stats (
    schedule_id     INTEGER PRIMARY KEY,
    files_forwarded INTEGER NOT NULL DEFAULT 0,
    bytes_forwarded INTEGER NOT NULL DEFAULT 0,
    errors          INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS category_to_group_mapping (
    category TEXT PRIMARY KEY,
    group_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS category_stats (
    category TEXT PRIMARY KEY,
    files    INTEGER NOT NULL DEFAULT 0,
    bytes    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sorting_groups (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    name       TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sorting_audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id    INTEGER NOT NULL,
    category   TEXT NOT NULL,
    group_id   INTEGER,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attribution_stats (
    source_channel_id INTEGER PRIMARY KEY,
    forwarded         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS migration_progress (
    name       TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`
