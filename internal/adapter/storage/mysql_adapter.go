package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/rl1809/retail-ledger/internal/core/domain"
	"github.com/rl1809/retail-ledger/internal/port"
)

const mysqlDuplicateEntry = 1062

const stockColumns = `item_id, store_id, quantity, reserved_quantity, min_stock_level, max_stock_level, version, created_at, updated_at`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) GetStock(ctx context.Context, key domain.StockKey) (*domain.StockRecord, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+stockColumns+`
		FROM stock_records WHERE item_id = ? AND store_id = ?`, key.ItemID, key.StoreID)

	rec, err := scanStock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	return &rec, nil
}

func (m *MySQLAdapter) SaveStock(ctx context.Context, records ...domain.StockRecord) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := saveStockTx(ctx, tx, records); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MySQLAdapter) ListStockByStore(ctx context.Context, storeID int64) ([]domain.StockRecord, error) {
	return m.listStock(ctx, `WHERE store_id = ? ORDER BY item_id`, storeID)
}

func (m *MySQLAdapter) ListStockByItem(ctx context.Context, itemID int64) ([]domain.StockRecord, error) {
	return m.listStock(ctx, `WHERE item_id = ? ORDER BY store_id`, itemID)
}

func (m *MySQLAdapter) listStock(ctx context.Context, where string, arg int64) ([]domain.StockRecord, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+stockColumns+` FROM stock_records `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StockRecord, 0)
	for rows.Next() {
		rec, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sales, err := m.querySales(ctx, `WHERE s.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, nil
	}
	return &sales[0], nil
}

func (m *MySQLAdapter) ListSales(ctx context.Context, storeID int64, from, to time.Time) ([]domain.Sale, error) {
	where := []string{"s.store_id = ?"}
	args := []any{storeID}
	if !from.IsZero() {
		where = append(where, "s.sale_date >= ?")
		args = append(args, from)
	}
	if !to.IsZero() {
		where = append(where, "s.sale_date <= ?")
		args = append(args, to)
	}
	return m.querySales(ctx, "WHERE "+strings.Join(where, " AND "), args...)
}

// querySales loads sales with their lines in one joined query, ordered by sale date.
func (m *MySQLAdapter) querySales(ctx context.Context, where string, args ...any) ([]domain.Sale, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT s.id, s.store_id, s.sale_date, s.total_amount, s.payment_method,
		       s.customer_email, s.customer_phone, s.version,
		       l.item_id, l.item_name, l.quantity, l.unit_price, l.discount, l.line_total
		FROM sales s
		LEFT JOIN sale_lines l ON l.sale_id = s.id
		`+where+`
		ORDER BY s.sale_date, s.id, l.line_no`, args...)
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Sale, 0)
	for rows.Next() {
		var (
			sale     domain.Sale
			itemID   sql.NullInt64
			itemName sql.NullString
			quantity sql.NullInt64
			price    decimal.NullDecimal
			discount decimal.NullDecimal
			total    decimal.NullDecimal
		)
		if err := rows.Scan(&sale.ID, &sale.StoreID, &sale.SaleDate, &sale.TotalAmount, &sale.PaymentMethod,
			&sale.CustomerEmail, &sale.CustomerPhone, &sale.Version,
			&itemID, &itemName, &quantity, &price, &discount, &total); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}

		if n := len(out); n == 0 || out[n-1].ID != sale.ID {
			sale.Lines = make([]domain.SaleLine, 0)
			out = append(out, sale)
		}
		if itemID.Valid {
			cur := &out[len(out)-1]
			cur.Lines = append(cur.Lines, domain.SaleLine{
				ItemID:    itemID.Int64,
				ItemName:  itemName.String,
				Quantity:  int(quantity.Int64),
				UnitPrice: price.Decimal,
				Discount:  discount.Decimal,
				LineTotal: total.Decimal,
			})
		}
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) CreateSale(ctx context.Context, sale domain.Sale, stock ...domain.StockRecord) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, store_id, sale_date, total_amount, payment_method, customer_email, customer_phone, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		sale.ID, sale.StoreID, sale.SaleDate, sale.TotalAmount, string(sale.PaymentMethod),
		sale.CustomerEmail, sale.CustomerPhone,
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("insert sale %s: %w", sale.ID, port.ErrOptimisticLock)
		}
		return fmt.Errorf("insert sale: %w", err)
	}

	if err := insertLinesTx(ctx, tx, sale); err != nil {
		return err
	}
	if err := saveStockTx(ctx, tx, stock); err != nil {
		return err
	}

	return tx.Commit()
}

func (m *MySQLAdapter) UpdateSale(ctx context.Context, sale domain.Sale, stock ...domain.StockRecord) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE sales
		SET total_amount = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		sale.TotalAmount, sale.ID, sale.Version,
	)
	if err != nil {
		return fmt.Errorf("update sale: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("update sale %s: %w", sale.ID, port.ErrOptimisticLock)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = ?`, sale.ID); err != nil {
		return fmt.Errorf("delete sale lines: %w", err)
	}
	if err := insertLinesTx(ctx, tx, sale); err != nil {
		return err
	}
	if err := saveStockTx(ctx, tx, stock); err != nil {
		return err
	}

	return tx.Commit()
}

func (m *MySQLAdapter) GetItem(ctx context.Context, itemID int64) (*domain.Item, error) {
	var (
		item domain.Item
		sku  sql.NullString
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, category, price, sku FROM items WHERE id = ?`, itemID,
	).Scan(&item.ID, &item.Name, &item.Category, &item.Price, &sku)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	item.SKU = sku.String
	return &item, nil
}

func (m *MySQLAdapter) GetStore(ctx context.Context, storeID int64) (*domain.Store, error) {
	var store domain.Store
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, location, address, phone FROM stores WHERE id = ?`, storeID,
	).Scan(&store.ID, &store.Name, &store.Location, &store.Address, &store.Phone)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query store: %w", err)
	}
	return &store, nil
}

func (m *MySQLAdapter) ListStoreIDs(ctx context.Context) ([]int64, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM stores ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query stores: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// saveStockTx inserts records read at version 0 and updates the others with
// a version check. Any mismatch fails the whole transaction.
func saveStockTx(ctx context.Context, tx *sql.Tx, records []domain.StockRecord) error {
	for _, r := range records {
		if r.Version == 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO stock_records (`+stockColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				r.ItemID, r.StoreID, r.Quantity, r.ReservedQuantity, r.MinStockLevel, r.MaxStockLevel,
				r.CreatedAt, r.UpdatedAt,
			)
			if isDuplicate(err) {
				return fmt.Errorf("insert stock item %d store %d: %w", r.ItemID, r.StoreID, port.ErrOptimisticLock)
			}
			if err != nil {
				return fmt.Errorf("insert stock: %w", err)
			}
			continue
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE stock_records
			SET quantity = ?, reserved_quantity = ?, min_stock_level = ?, max_stock_level = ?,
			    version = version + 1, updated_at = ?
			WHERE item_id = ? AND store_id = ? AND version = ?`,
			r.Quantity, r.ReservedQuantity, r.MinStockLevel, r.MaxStockLevel, r.UpdatedAt,
			r.ItemID, r.StoreID, r.Version,
		)
		if err != nil {
			return fmt.Errorf("update stock: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("update stock item %d store %d: %w", r.ItemID, r.StoreID, port.ErrOptimisticLock)
		}
	}
	return nil
}

func insertLinesTx(ctx context.Context, tx *sql.Tx, sale domain.Sale) error {
	for i, l := range sale.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, item_id, item_name, quantity, unit_price, discount, line_total)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sale.ID, i+1, l.ItemID, l.ItemName, l.Quantity, l.UnitPrice, l.Discount, l.LineTotal,
		)
		if err != nil {
			return fmt.Errorf("insert sale line: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStock(row rowScanner) (domain.StockRecord, error) {
	var r domain.StockRecord
	err := row.Scan(&r.ItemID, &r.StoreID, &r.Quantity, &r.ReservedQuantity, &r.MinStockLevel,
		&r.MaxStockLevel, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
