package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"
)

// ListFilter narrows ListOrders. Nil or empty fields do not filter.
type ListFilter struct {
	OrderID     *uuid.UUID
	CustomerID  *uuid.UUID
	Status      *Status
	Section     string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type SortField string

const (
	SortByCreatedAt  SortField = "created_at"
	SortByUpdatedAt  SortField = "updated_at"
	SortByTotalPrice SortField = "total_price"
)

var sortColumns = map[SortField]string{
	SortByCreatedAt:  "o.created_at",
	SortByUpdatedAt:  "o.updated_at",
	SortByTotalPrice: "o.total_price",
}

type Sort struct {
	Field SortField
	Desc  bool
}

var DefaultSort = Sort{Field: SortByCreatedAt, Desc: true}

// ParseSort reads "field" or "-field". An empty string yields DefaultSort.
func ParseSort(raw string) (Sort, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultSort, nil
	}

	s := Sort{Field: SortField(strings.TrimPrefix(raw, "-")), Desc: strings.HasPrefix(raw, "-")}
	if _, ok := sortColumns[s.Field]; !ok {
		return Sort{}, fmt.Errorf("unsupported sort field %q", s.Field)
	}
	return s, nil
}

type PageRequest struct {
	Page     int
	PageSize int
	Sort     Sort
}

// normalize fills defaults and clamps the page size to maxSize.
func (p PageRequest) normalize(defaultSize, maxSize int) PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = defaultSize
	}
	if p.PageSize > maxSize {
		p.PageSize = maxSize
	}
	if p.Sort.Field == "" {
		p.Sort = DefaultSort
	}
	return p
}

func (p PageRequest) offset() int {
	return (p.Page - 1) * p.PageSize
}

type Page struct {
	Items    []Order `json:"items"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

// Each predicate contributes one condition with "?" placeholders, or nothing.
type predicate func(f ListFilter) (string, []any)

var listPredicates = []predicate{
	func(f ListFilter) (string, []any) {
		if f.OrderID == nil {
			return "", nil
		}
		return "o.id = ?", []any{*f.OrderID}
	},
	func(f ListFilter) (string, []any) {
		if f.CustomerID == nil {
			return "", nil
		}
		return "o.customer_id = ?", []any{*f.CustomerID}
	},
	func(f ListFilter) (string, []any) {
		if f.Status == nil {
			return "", nil
		}
		return "o.status = ?", []any{string(*f.Status)}
	},
	func(f ListFilter) (string, []any) {
		if f.Section == "" {
			return "", nil
		}
		return `EXISTS (
			SELECT 1 FROM order_service.order_items oi
			JOIN order_service.products p ON p.id = oi.product_id
			WHERE oi.order_id = o.id AND p.section = ?)`, []any{f.Section}
	},
	func(f ListFilter) (string, []any) {
		if f.CreatedFrom == nil {
			return "", nil
		}
		return "o.created_at >= ?", []any{*f.CreatedFrom}
	},
	func(f ListFilter) (string, []any) {
		if f.CreatedTo == nil {
			return "", nil
		}
		return "o.created_at <= ?", []any{*f.CreatedTo}
	},
}

func (f ListFilter) where() (string, []any) {
	var conds []string
	var args []any
	for _, p := range listPredicates {
		cond, condArgs := p(f)
		if cond == "" {
			continue
		}
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const orderColumns = `o.id, o.customer_id, o.shipping_address_id, o.status, o.total_price, o.created_at, o.updated_at`

// buildListQueries renders the page query and the count query with $n placeholders.
func buildListQueries(f ListFilter, p PageRequest) (pageSQL string, pageArgs []any, countSQL string, countArgs []any) {
	where, args := f.where()

	dir := "ASC"
	if p.Sort.Desc {
		dir = "DESC"
	}
	orderBy := fmt.Sprintf(" ORDER BY %s %s, o.id %s", sortColumns[p.Sort.Field], dir, dir)

	pageSQL = sqlx.Rebind(sqlx.DOLLAR, "SELECT "+orderColumns+" FROM order_service.orders o"+where+orderBy+" LIMIT ? OFFSET ?")
	pageArgs = append(append([]any{}, args...), p.PageSize, p.offset())

	countSQL = sqlx.Rebind(sqlx.DOLLAR, "SELECT COUNT(*) FROM order_service.orders o"+where)
	return pageSQL, pageArgs, countSQL, args
}
