// Package repository содержит реализации хранилища заказов и складского реестра.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/ntikhonov/packtrack-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ не найден.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrStockNotFound возвращается, если складская позиция не найдена.
	ErrStockNotFound = errors.New("stock item not found")
	// ErrInsufficientStock возвращается при попытке списания, уводящей остаток в минус.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrOverShipment возвращается, когда отгружаемое количество превышает остаток готовой продукции.
	ErrOverShipment = errors.New("shipment exceeds finished stock")
	// ErrDuplicateStockNumber возвращается при создании позиции с уже занятым складским номером.
	ErrDuplicateStockNumber = errors.New("duplicate stock number")
	// ErrReferencedByOrder возвращается при удалении позиции, на которую ссылается заказ.
	ErrReferencedByOrder = errors.New("stock item referenced by order usage")
	// ErrNoSuchUsage возвращается при откате резервирования, которого не было.
	ErrNoSuchUsage = errors.New("no recorded usage for stock item")
	// ErrStatusConflict возвращается, если статус заказа изменился параллельным переходом.
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сбоях сериализации и взаимоблокировках.
// Остальные ошибки возвращаются сразу; ретраи инфраструктурных сбоев — забота вызывающей стороны.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(300*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateOrder сохраняет новый заказ.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	items, details, err := marshalOrderJSON(o)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO orders (
			id, status, design_status, items, procurement_details,
			invoice_url, waybill_url, packaging_type, packaging_count, package_number,
			vehicle_plate, trailer_plate, additional_doc_url,
			gofre_price, gofre_vat_rate, shipping_price, shipping_vat_rate,
			subtotal, vat_total, grand_total, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		o.ID, string(o.Status), string(o.DesignStatus), items, details,
		o.InvoiceURL, o.WaybillURL, o.PackagingType, o.PackagingCount, o.PackageNumber,
		o.VehiclePlate, o.TrailerPlate, o.AdditionalDocURL,
		o.GofrePrice.String(), o.GofreVATRate.String(), o.ShippingPrice.String(), o.ShippingVATRate.String(),
		o.Subtotal.String(), o.VATTotal.String(), o.GrandTotal.String(), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	return nil
}

const orderColumns = `id, status, design_status, items, procurement_details,
	invoice_url, waybill_url, packaging_type, packaging_count, package_number,
	vehicle_plate, trailer_plate, additional_doc_url,
	gofre_price::text, gofre_vat_rate::text, shipping_price::text, shipping_vat_rate::text,
	subtotal::text, vat_total::text, grand_total::text, created_at, updated_at`

// GetOrder возвращает заказ вместе с записями об использовании склада.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := r.loadStockUsage(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

func (r *PostgresRepository) loadStockUsage(ctx context.Context, o *model.Order) error {
	rows, err := r.pool.Query(ctx,
		`SELECT stock_item_id, quantity::text FROM stock_usages WHERE order_id = $1`, o.ID)
	if err != nil {
		return fmt.Errorf("select stock usage: %w", err)
	}
	defer rows.Close()

	o.StockUsage = make(map[string]decimal.Decimal)
	for rows.Next() {
		var itemID, qty string
		if err := rows.Scan(&itemID, &qty); err != nil {
			return fmt.Errorf("scan stock usage: %w", err)
		}
		d, err := decimal.NewFromString(qty)
		if err != nil {
			return fmt.Errorf("parse usage quantity: %w", err)
		}
		o.StockUsage[itemID] = d
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}

// ListOrdersByStatuses возвращает заказы в любом из перечисленных статусов.
func (r *PostgresRepository) ListOrdersByStatuses(ctx context.Context, statuses []model.OrderStatus) ([]model.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	vals := make([]string, 0, len(statuses))
	for _, s := range statuses {
		vals = append(vals, string(s))
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ANY($1) ORDER BY created_at`, vals)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CommitTransition записывает новый статус и сопутствующие поля заказа.
// Запись охраняется проверкой исходного статуса: если заказ успел перейти
// параллельно, возвращается ErrStatusConflict и ничего не меняется.
func (r *PostgresRepository) CommitTransition(ctx context.Context, o *model.Order, from model.OrderStatus) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		items, details, err := marshalOrderJSON(o)
		if err != nil {
			return err
		}

		tag, err := r.pool.Exec(ctx,
			`UPDATE orders SET
				status = $2, design_status = $3, items = $4, procurement_details = $5,
				invoice_url = $6, waybill_url = $7, packaging_type = $8, packaging_count = $9,
				package_number = $10, vehicle_plate = $11, trailer_plate = $12, additional_doc_url = $13,
				updated_at = $14
			WHERE id = $1 AND status = $15`,
			o.ID, string(o.Status), string(o.DesignStatus), items, details,
			o.InvoiceURL, o.WaybillURL, o.PackagingType, o.PackagingCount,
			o.PackageNumber, o.VehiclePlate, o.TrailerPlate, o.AdditionalDocURL,
			o.UpdatedAt, string(from),
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		if tag.RowsAffected() == 0 {
			var exists bool
			if err := r.pool.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check order exists: %w", err)
			}
			if !exists {
				return fmt.Errorf("%w: %s", ErrOrderNotFound, o.ID)
			}
			return fmt.Errorf("%w: %s", ErrStatusConflict, o.ID)
		}

		return nil
	})
}

// UpdateOrderItems сохраняет новые позиции, надбавки и пересчитанные итоги заказа.
func (r *PostgresRepository) UpdateOrderItems(ctx context.Context, o *model.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET
			items = $2, gofre_price = $3, gofre_vat_rate = $4,
			shipping_price = $5, shipping_vat_rate = $6,
			subtotal = $7, vat_total = $8, grand_total = $9, updated_at = $10
		WHERE id = $1`,
		o.ID, items, o.GofrePrice.String(), o.GofreVATRate.String(),
		o.ShippingPrice.String(), o.ShippingVATRate.String(),
		o.Subtotal.String(), o.VATTotal.String(), o.GrandTotal.String(), o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order items: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, o.ID)
	}

	return nil
}

// SetOrderDocuments идемпотентно записывает непрозрачные ссылки на документы.
// Выполняется вне каких-либо блокировок: загрузка файлов завершается снаружи.
func (r *PostgresRepository) SetOrderDocuments(ctx context.Context, orderID, invoiceURL, waybillURL, additionalDocURL string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET
			invoice_url = COALESCE(NULLIF($2, ''), invoice_url),
			waybill_url = COALESCE(NULLIF($3, ''), waybill_url),
			additional_doc_url = COALESCE(NULLIF($4, ''), additional_doc_url),
			updated_at = $5
		WHERE id = $1`,
		orderID, invoiceURL, waybillURL, additionalDocURL, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set order documents: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	return nil
}

// AllocateStock атомарно списывает выбранные позиции сырья под заказ.
// Партия неделима: нехватка по любой позиции откатывает все списания.
// Повтор с тем же ключом идемпотентности не списывает повторно.
func (r *PostgresRepository) AllocateStock(ctx context.Context, orderID string, selections map[string]decimal.Decimal, idempotencyKey string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if idempotencyKey != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO allocation_keys (key, order_id) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
				idempotencyKey, orderID)
			if err != nil {
				return fmt.Errorf("insert allocation key: %w", err)
			}
			if tag.RowsAffected() == 0 {
				// Партия уже применена ранее, повтор ничего не меняет.
				return nil
			}
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
			return fmt.Errorf("check order exists: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}

		// Фиксированный порядок блокировок исключает взаимоблокировку встречных партий.
		itemIDs := make([]string, 0, len(selections))
		for id := range selections {
			itemIDs = append(itemIDs, id)
		}
		sort.Strings(itemIDs)

		for _, itemID := range itemIDs {
			qty := selections[itemID]
			if err := deductLocked(ctx, tx, itemID, qty); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx,
				`INSERT INTO stock_usages (order_id, stock_item_id, quantity)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (order_id, stock_item_id)
				 DO UPDATE SET quantity = stock_usages.quantity + EXCLUDED.quantity`,
				orderID, itemID, qty.String()); err != nil {
				return fmt.Errorf("upsert stock usage: %w", err)
			}

			if err := insertMovement(ctx, tx, itemID, qty.Neg(), orderID, model.MovementAllocate); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// deductLocked списывает количество под блокировкой строки. Проверка остатка и
// запись выполняются в одной транзакции, промежуточное состояние снаружи не видно.
func deductLocked(ctx context.Context, tx pgx.Tx, itemID string, qty decimal.Decimal) error {
	var current string
	err := tx.QueryRow(ctx,
		`SELECT quantity::text FROM stock_items WHERE id = $1 FOR UPDATE`, itemID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrStockNotFound, itemID)
		}
		return fmt.Errorf("lock stock item: %w", err)
	}

	cur, err := decimal.NewFromString(current)
	if err != nil {
		return fmt.Errorf("parse stock quantity: %w", err)
	}

	if cur.LessThan(qty) {
		return fmt.Errorf("%w: item %s has %s, requested %s", ErrInsufficientStock, itemID, cur, qty)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE stock_items SET quantity = quantity - $2, updated_at = now() WHERE id = $1`,
		itemID, qty.String()); err != nil {
		return fmt.Errorf("deduct stock: %w", err)
	}

	return nil
}

func insertMovement(ctx context.Context, tx pgx.Tx, itemID string, delta decimal.Decimal, orderID, reason string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO stock_movements (id, stock_item_id, delta, order_id, reason)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		uuid.NewString(), itemID, delta.String(), orderID, reason)
	if err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

// ReverseAllocation возвращает на склад ровно то количество, что было списано
// под заказ по данной позиции, и удаляет запись об использовании.
func (r *PostgresRepository) ReverseAllocation(ctx context.Context, orderID, itemID string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var qtyStr string
		err = tx.QueryRow(ctx,
			`SELECT quantity::text FROM stock_usages WHERE order_id = $1 AND stock_item_id = $2 FOR UPDATE`,
			orderID, itemID).Scan(&qtyStr)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: order %s, item %s", ErrNoSuchUsage, orderID, itemID)
			}
			return fmt.Errorf("select usage: %w", err)
		}

		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return fmt.Errorf("parse usage quantity: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE stock_items SET quantity = quantity + $2, updated_at = now() WHERE id = $1`,
			itemID, qty.String())
		if err != nil {
			return fmt.Errorf("restore stock: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrStockNotFound, itemID)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM stock_usages WHERE order_id = $1 AND stock_item_id = $2`,
			orderID, itemID); err != nil {
			return fmt.Errorf("delete usage: %w", err)
		}

		if err := insertMovement(ctx, tx, itemID, qty, orderID, model.MovementRestore); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ReconcileShipment сверяет отгрузку с остатком готовой продукции заказа и
// переводит заказ в статус invoice_added одной транзакцией. Готовая продукция
// ищется по складскому номеру, равному идентификатору заказа. При отсутствии
// такой позиции отгрузка без списания возможна только с явным override.
func (r *PostgresRepository) ReconcileShipment(ctx context.Context, o *model.Order, total decimal.Decimal, override bool) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var itemID, qtyStr string
		err = tx.QueryRow(ctx,
			`SELECT id, quantity::text FROM stock_items
			 WHERE stock_number = $1 AND category = $2 FOR UPDATE`,
			o.ID, string(model.CategoryFinished)).Scan(&itemID, &qtyStr)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if !override {
				return fmt.Errorf("%w: no finished stock under number %s", ErrStockNotFound, o.ID)
			}
			// Подтверждённая отгрузка без складской записи: списания нет.
		case err != nil:
			return fmt.Errorf("lock finished stock: %w", err)
		default:
			available, err := decimal.NewFromString(qtyStr)
			if err != nil {
				return fmt.Errorf("parse stock quantity: %w", err)
			}
			if total.GreaterThan(available) {
				return fmt.Errorf("%w: order %s has %s in stock, requested %s", ErrOverShipment, o.ID, available, total)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE stock_items SET quantity = quantity - $2, updated_at = now() WHERE id = $1`,
				itemID, total.String()); err != nil {
				return fmt.Errorf("deduct finished stock: %w", err)
			}

			if err := insertMovement(ctx, tx, itemID, total.Neg(), o.ID, model.MovementShipment); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2, invoice_url = $3, updated_at = $4
			 WHERE id = $1 AND status = $5`,
			o.ID, string(model.StatusInvoiceAdded), o.InvoiceURL, time.Now(), string(model.StatusInvoiceWaiting))
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrStatusConflict, o.ID)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CreateStockItem добавляет складскую позицию. Складской номер уникален внутри
// категории; при подтверждённом слиянии количество прибавляется к существующей
// позиции вместо вставки дубликата.
func (r *PostgresRepository) CreateStockItem(ctx context.Context, item *model.StockItem, confirmMerge bool) (merged bool, err error) {
	err = r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var existingID string
		err = tx.QueryRow(ctx,
			`SELECT id FROM stock_items WHERE stock_number = $1 AND category = $2 FOR UPDATE`,
			item.StockNumber, string(item.Category)).Scan(&existingID)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			var minStock *string
			if item.MinStock != nil {
				s := item.MinStock.String()
				minStock = &s
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO stock_items (id, stock_number, company, product, quantity, unit, category, min_stock)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				item.ID, item.StockNumber, item.Company, item.Product,
				item.Quantity.String(), item.Unit, string(item.Category), minStock); err != nil {
				return fmt.Errorf("insert stock item: %w", err)
			}
			if err := insertMovement(ctx, tx, item.ID, item.Quantity, "", model.MovementInitial); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("select stock item: %w", err)
		default:
			if !confirmMerge {
				return fmt.Errorf("%w: %s in category %s", ErrDuplicateStockNumber, item.StockNumber, item.Category)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE stock_items SET quantity = quantity + $2, updated_at = now() WHERE id = $1`,
				existingID, item.Quantity.String()); err != nil {
				return fmt.Errorf("merge stock item: %w", err)
			}
			if err := insertMovement(ctx, tx, existingID, item.Quantity, "", model.MovementMerge); err != nil {
				return err
			}
			merged = true
			item.ID = existingID
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	return merged, err
}

// GetStockItem возвращает складскую позицию по идентификатору.
func (r *PostgresRepository) GetStockItem(ctx context.Context, id string) (*model.StockItem, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, stock_number, company, product, quantity::text, unit, category, min_stock::text, created_at, updated_at
		 FROM stock_items WHERE id = $1`, id)

	item, err := scanStockItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrStockNotFound, id)
		}
		return nil, fmt.Errorf("get stock item: %w", err)
	}

	return item, nil
}

// ListStockItems возвращает все складские позиции.
func (r *PostgresRepository) ListStockItems(ctx context.Context) ([]model.StockItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, stock_number, company, product, quantity::text, unit, category, min_stock::text, created_at, updated_at
		 FROM stock_items ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select stock items: %w", err)
	}
	defer rows.Close()

	var res []model.StockItem
	for rows.Next() {
		item, err := scanStockItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stock item: %w", err)
		}
		res = append(res, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// AdjustStock атомарно изменяет остаток позиции. Отрицательная дельта, уводящая
// остаток в минус, отклоняется без изменений.
func (r *PostgresRepository) AdjustStock(ctx context.Context, itemID string, delta decimal.Decimal, reason, orderID string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if delta.IsNegative() {
			if err := deductLocked(ctx, tx, itemID, delta.Neg()); err != nil {
				return err
			}
		} else {
			tag, err := tx.Exec(ctx,
				`UPDATE stock_items SET quantity = quantity + $2, updated_at = now() WHERE id = $1`,
				itemID, delta.String())
			if err != nil {
				return fmt.Errorf("replenish stock: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: %s", ErrStockNotFound, itemID)
			}
		}

		if err := insertMovement(ctx, tx, itemID, delta, orderID, reason); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// DeleteStockItem удаляет позицию. Пока на позицию ссылается ненулевое
// использование в каком-либо заказе, удаление запрещено: сначала откат резерва.
func (r *PostgresRepository) DeleteStockItem(ctx context.Context, itemID string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var referenced bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM stock_usages WHERE stock_item_id = $1 AND quantity <> 0)`,
			itemID).Scan(&referenced); err != nil {
			return fmt.Errorf("check usage references: %w", err)
		}
		if referenced {
			return fmt.Errorf("%w: %s", ErrReferencedByOrder, itemID)
		}

		// Оставшиеся записи использования нулевые, их можно снять вместе с позицией.
		if _, err := tx.Exec(ctx, `DELETE FROM stock_usages WHERE stock_item_id = $1`, itemID); err != nil {
			return fmt.Errorf("clear zero usages: %w", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM stock_items WHERE id = $1`, itemID)
		if err != nil {
			return fmt.Errorf("delete stock item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrStockNotFound, itemID)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ListMovements возвращает журнал движений по складской позиции.
func (r *PostgresRepository) ListMovements(ctx context.Context, itemID string) ([]model.StockMovement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, stock_item_id, delta::text, COALESCE(order_id, ''), reason, created_at
		 FROM stock_movements WHERE stock_item_id = $1 ORDER BY created_at`, itemID)
	if err != nil {
		return nil, fmt.Errorf("select movements: %w", err)
	}
	defer rows.Close()

	var res []model.StockMovement
	for rows.Next() {
		var m model.StockMovement
		var delta string
		if err := rows.Scan(&m.ID, &m.StockItemID, &delta, &m.OrderID, &m.Reason, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		d, err := decimal.NewFromString(delta)
		if err != nil {
			return nil, fmt.Errorf("parse movement delta: %w", err)
		}
		m.Delta = d
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func marshalOrderJSON(o *model.Order) (items, details []byte, err error) {
	items, err = json.Marshal(o.Items)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal items: %w", err)
	}
	details, err = json.Marshal(o.ProcurementDetails)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal procurement details: %w", err)
	}
	return items, details, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o             model.Order
		status        string
		designStatus  string
		items         []byte
		details       []byte
		gofrePrice    string
		gofreVAT      string
		shippingPrice string
		shippingVAT   string
		subtotal      string
		vatTotal      string
		grandTotal    string
	)

	err := row.Scan(
		&o.ID, &status, &designStatus, &items, &details,
		&o.InvoiceURL, &o.WaybillURL, &o.PackagingType, &o.PackagingCount, &o.PackageNumber,
		&o.VehiclePlate, &o.TrailerPlate, &o.AdditionalDocURL,
		&gofrePrice, &gofreVAT, &shippingPrice, &shippingVAT,
		&subtotal, &vatTotal, &grandTotal, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = model.OrderStatus(status)
	o.DesignStatus = model.DesignStatus(designStatus)

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if err := json.Unmarshal(details, &o.ProcurementDetails); err != nil {
		return nil, fmt.Errorf("unmarshal procurement details: %w", err)
	}

	amounts := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{gofrePrice, &o.GofrePrice},
		{gofreVAT, &o.GofreVATRate},
		{shippingPrice, &o.ShippingPrice},
		{shippingVAT, &o.ShippingVATRate},
		{subtotal, &o.Subtotal},
		{vatTotal, &o.VATTotal},
		{grandTotal, &o.GrandTotal},
	}
	for _, a := range amounts {
		d, err := decimal.NewFromString(a.raw)
		if err != nil {
			return nil, fmt.Errorf("parse order amount: %w", err)
		}
		*a.dst = d
	}

	return &o, nil
}

func scanStockItem(row pgx.Row) (*model.StockItem, error) {
	var (
		item     model.StockItem
		qty      string
		category string
		minStock *string
	)

	err := row.Scan(&item.ID, &item.StockNumber, &item.Company, &item.Product,
		&qty, &item.Unit, &category, &minStock, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(qty)
	if err != nil {
		return nil, fmt.Errorf("parse stock quantity: %w", err)
	}
	item.Quantity = d
	item.Category = model.StockCategory(category)

	if minStock != nil {
		m, err := decimal.NewFromString(*minStock)
		if err != nil {
			return nil, fmt.Errorf("parse min stock: %w", err)
		}
		item.MinStock = &m
	}

	return &item, nil
}
