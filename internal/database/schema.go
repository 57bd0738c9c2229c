package database

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    clerk_id TEXT UNIQUE,
    telegram_id TEXT UNIQUE,
    device_id TEXT UNIQUE,
    email TEXT,
    first_name TEXT,
    last_name TEXT,
    plan TEXT NOT NULL DEFAULT 'free',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT users_identity_present CHECK (
        clerk_id IS NOT NULL OR telegram_id IS NOT NULL OR device_id IS NOT NULL
    )
);

CREATE TABLE IF NOT EXISTS user_tokens (
    user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
    balance INT NOT NULL DEFAULT 0,
    last_bonus_date DATE,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS token_transactions (
    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    amount INT NOT NULL,
    type TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_token_transactions_user ON token_transactions (user_id, created_at);

CREATE TABLE IF NOT EXISTS generations (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    status TEXT NOT NULL,
    trend TEXT NOT NULL DEFAULT '',
    quality TEXT NOT NULL DEFAULT '1K',
    aspect_ratio TEXT NOT NULL DEFAULT '1:1',
    image_count INT NOT NULL DEFAULT 1,
    image_urls JSONB NOT NULL DEFAULT '[]',
    error_message TEXT NOT NULL DEFAULT '',
    tokens_spent INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_generations_user_day ON generations (user_id, created_at);

CREATE TABLE IF NOT EXISTS payments (
    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    external_id TEXT NOT NULL UNIQUE,
    amount INT NOT NULL,
    currency TEXT NOT NULL,
    status TEXT NOT NULL,
    tokens INT NOT NULL DEFAULT 0,
    raw_payload TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION create_user_tokens() RETURNS trigger AS $$
BEGIN
    INSERT INTO user_tokens (user_id) VALUES (NEW.id) ON CONFLICT DO NOTHING;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_users_create_tokens ON users;
CREATE TRIGGER trg_users_create_tokens
AFTER INSERT ON users
FOR EACH ROW EXECUTE FUNCTION create_user_tokens();
`
