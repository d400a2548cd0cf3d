package database

import (
	"context"
	"database/sql"
	"fmt"
)

// mysqlSchema is the production layout.  Ticket numbers are keyed by
// (prize_id, number) so every state transition is a single-row predicate.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS prizes (
  id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
  name VARCHAR(200) NOT NULL,
  description VARCHAR(2000) NOT NULL DEFAULT '',
  price DECIMAL(12,2) NOT NULL,
  total_numbers INT UNSIGNED NOT NULL,
  stock INT UNSIGNED NOT NULL,
  sold INT UNSIGNED NOT NULL DEFAULT 0,
  active TINYINT(1) NOT NULL DEFAULT 1,
  icon VARCHAR(64) NOT NULL DEFAULT 'fa-gift',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS purchases (
  id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
  prize_id BIGINT UNSIGNED NOT NULL,
  email VARCHAR(254) NOT NULL,
  buyer_name VARCHAR(120) NOT NULL DEFAULT '',
  buyer_phone VARCHAR(40) NOT NULL DEFAULT '',
  quantity INT UNSIGNED NOT NULL,
  amount DECIMAL(12,2) NOT NULL,
  order_ref CHAR(36) NOT NULL,
  checkout_ref VARCHAR(128) NULL,
  payment_ref VARCHAR(64) NULL,
  status VARCHAR(16) NOT NULL DEFAULT 'pending',
  status_detail VARCHAR(128) NOT NULL DEFAULT '',
  payload MEDIUMTEXT NULL,
  numbers VARCHAR(4000) NOT NULL DEFAULT '[]',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  UNIQUE KEY uq_purchases_order_ref (order_ref),
  UNIQUE KEY uq_purchases_checkout_ref (checkout_ref),
  UNIQUE KEY uq_purchases_payment_ref (payment_ref),
  KEY idx_purchases_status (status, created_at),
  CONSTRAINT fk_purchases_prize FOREIGN KEY (prize_id) REFERENCES prizes (id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS ticket_numbers (
  prize_id BIGINT UNSIGNED NOT NULL,
  number INT UNSIGNED NOT NULL,
  state VARCHAR(24) NOT NULL DEFAULT 'available',
  holder_email VARCHAR(254) NULL,
  reserved_at DATETIME NULL,
  expires_at DATETIME NULL,
  sold_at DATETIME NULL,
  purchase_id BIGINT UNSIGNED NULL,
  PRIMARY KEY (prize_id, number),
  KEY idx_ticket_numbers_state (prize_id, state, number),
  KEY idx_ticket_numbers_expiry (state, expires_at),
  KEY idx_ticket_numbers_purchase (purchase_id),
  CONSTRAINT fk_ticket_numbers_prize FOREIGN KEY (prize_id) REFERENCES prizes (id) ON DELETE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS webhook_logs (
  id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
  kind VARCHAR(32) NOT NULL,
  external_ref VARCHAR(128) NOT NULL DEFAULT '',
  payload MEDIUMTEXT NOT NULL,
  processed TINYINT(1) NOT NULL DEFAULT 0,
  attempts INT UNSIGNED NOT NULL DEFAULT 0,
  error VARCHAR(512) NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  processed_at DATETIME NULL,
  KEY idx_webhook_logs_pending (processed, kind, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS draws (
  id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
  prize_id BIGINT UNSIGNED NOT NULL,
  method VARCHAR(32) NOT NULL,
  winner_count INT UNSIGNED NOT NULL,
  participants INT UNSIGNED NOT NULL,
  winners TEXT NOT NULL,
  created_at DATETIME NOT NULL,
  KEY idx_draws_prize (prize_id, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// sqliteSchema mirrors mysqlSchema for single-node deployments and tests.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS prizes (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  price DECIMAL(12,2) NOT NULL,
  total_numbers INTEGER NOT NULL,
  stock INTEGER NOT NULL,
  sold INTEGER NOT NULL DEFAULT 0,
  active INTEGER NOT NULL DEFAULT 1,
  icon TEXT NOT NULL DEFAULT 'fa-gift',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS purchases (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  prize_id INTEGER NOT NULL REFERENCES prizes (id),
  email TEXT NOT NULL,
  buyer_name TEXT NOT NULL DEFAULT '',
  buyer_phone TEXT NOT NULL DEFAULT '',
  quantity INTEGER NOT NULL,
  amount DECIMAL(12,2) NOT NULL,
  order_ref TEXT NOT NULL UNIQUE,
  checkout_ref TEXT NULL UNIQUE,
  payment_ref TEXT NULL UNIQUE,
  status TEXT NOT NULL DEFAULT 'pending',
  status_detail TEXT NOT NULL DEFAULT '',
  payload TEXT NULL,
  numbers TEXT NOT NULL DEFAULT '[]',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ticket_numbers (
  prize_id INTEGER NOT NULL REFERENCES prizes (id) ON DELETE CASCADE,
  number INTEGER NOT NULL,
  state TEXT NOT NULL DEFAULT 'available',
  holder_email TEXT NULL,
  reserved_at DATETIME NULL,
  expires_at DATETIME NULL,
  sold_at DATETIME NULL,
  purchase_id INTEGER NULL,
  PRIMARY KEY (prize_id, number)
)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_numbers_state ON ticket_numbers (prize_id, state, number)`,
	`CREATE TABLE IF NOT EXISTS webhook_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  kind TEXT NOT NULL,
  external_ref TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL,
  processed INTEGER NOT NULL DEFAULT 0,
  attempts INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  processed_at DATETIME NULL
)`,
	`CREATE TABLE IF NOT EXISTS draws (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  prize_id INTEGER NOT NULL,
  method TEXT NOT NULL,
  winner_count INTEGER NOT NULL,
  participants INTEGER NOT NULL,
  winners TEXT NOT NULL,
  created_at DATETIME NOT NULL
)`,
}

// Apply creates any missing tables for the given driver.  Statements are
// idempotent so Apply runs on every start.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	var stmts []string
	switch driver {
	case MySQL, "":
		stmts = mysqlSchema
	case SQLite:
		stmts = sqliteSchema
	default:
		return fmt.Errorf("unsupported driver %q", driver)
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
