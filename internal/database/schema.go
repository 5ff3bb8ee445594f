package database

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id VARCHAR(128) NOT NULL PRIMARY KEY,
    email VARCHAR(255),
    credits INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS artifacts (
    id CHAR(36) NOT NULL PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    prompt TEXT NOT NULL,
    model_id VARCHAR(64) NOT NULL,
    storage_key VARCHAR(512) NOT NULL,
    url VARCHAR(1024) NOT NULL,
    mime_type VARCHAR(64) NOT NULL,
    aspect_ratio VARCHAR(16) NOT NULL,
    tags JSON,
    source_artifact_id CHAR(36),
    credits INT NOT NULL,
    created_at TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3),
    KEY idx_artifacts_user_created (user_id, created_at)
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    stripe_subscription_id VARCHAR(128) NOT NULL UNIQUE,
    stripe_customer_id VARCHAR(128),
    status VARCHAR(32) NOT NULL,
    current_period_start TIMESTAMP NULL,
    current_period_end TIMESTAMP NULL,
    cancel_at_period_end TINYINT(1) NOT NULL DEFAULT 0,
    canceled_at TIMESTAMP NULL,
    last_event_at TIMESTAMP NULL,
    created_at TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3),
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_subscriptions_user_created (user_id, created_at)
);

CREATE TABLE IF NOT EXISTS transactions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    type VARCHAR(32) NOT NULL,
    credits INT NOT NULL,
    amount_minor BIGINT NOT NULL DEFAULT 0,
    currency VARCHAR(8),
    external_id VARCHAR(128),
    idempotency_key VARCHAR(160) NULL UNIQUE,
    status VARCHAR(16) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_transactions_user (user_id, created_at)
);

CREATE TABLE IF NOT EXISTS credit_packages (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    title VARCHAR(255) NOT NULL,
    description TEXT,
    currency VARCHAR(8) NOT NULL,
    price_minor_units INT NOT NULL,
    credits INT NOT NULL,
    stripe_price_id VARCHAR(128),
    mode VARCHAR(16) NOT NULL DEFAULT 'payment',
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS billing_events (
    event_id VARCHAR(128) NOT NULL PRIMARY KEY,
    event_type VARCHAR(64) NOT NULL,
    processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
