package pagination

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultLimit is applied when the client does not request a page size.
	DefaultLimit = 10
	// MinLimit is the smallest page size served.
	MinLimit = 1
	// MaxLimit is the largest page size served.
	MaxLimit = 50
)

// ErrInvalidParams indicates an unsupported sort, order or limit value.
var ErrInvalidParams = errors.New("pagination: invalid parameters")

// SortField names a sortable column.
type SortField string

const (
	// SortTitle sorts by the entity title.
	SortTitle SortField = "title"
	// SortCreatedAt sorts by the entity creation time.
	SortCreatedAt SortField = "created_at"
)

// Order names a sort direction.
type Order string

const (
	// OrderAsc sorts ascending.
	OrderAsc Order = "asc"
	// OrderDesc sorts descending.
	OrderDesc Order = "desc"
)

// Query holds the raw pagination query parameters as received from a client.
type Query struct {
	Cursor string `form:"cursor"`
	Limit  string `form:"limit"`
	Order  string `form:"order"`
	Sort   string `form:"sort"`
}

// Params is a validated pagination request.
type Params struct {
	Limit  int
	Order  Order
	Sort   SortField
	Cursor *Cursor
}

// ParseQuery validates raw query values, applying defaults and clamping the limit to [MinLimit, MaxLimit].
func ParseQuery(query Query) (Params, error) {
	params := Params{
		Limit: DefaultLimit,
		Order: OrderDesc,
		Sort:  SortCreatedAt,
	}

	if raw := strings.TrimSpace(query.Limit); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return Params{}, fmt.Errorf("%w: limit %q", ErrInvalidParams, raw)
		}
		params.Limit = ClampLimit(limit)
	}

	switch Order(strings.ToLower(strings.TrimSpace(query.Order))) {
	case "":
	case OrderAsc:
		params.Order = OrderAsc
	case OrderDesc:
		params.Order = OrderDesc
	default:
		return Params{}, fmt.Errorf("%w: order %q", ErrInvalidParams, query.Order)
	}

	switch SortField(strings.ToLower(strings.TrimSpace(query.Sort))) {
	case "":
	case SortTitle:
		params.Sort = SortTitle
	case SortCreatedAt:
		params.Sort = SortCreatedAt
	default:
		return Params{}, fmt.Errorf("%w: sort %q", ErrInvalidParams, query.Sort)
	}

	if strings.TrimSpace(query.Cursor) != "" {
		cursor, err := DecodeCursor(query.Cursor)
		if err != nil {
			return Params{}, err
		}
		if _, err := cursor.SortValue(params.Sort); err != nil {
			return Params{}, err
		}
		params.Cursor = &cursor
	}

	return params, nil
}

// ClampLimit bounds a requested page size to [MinLimit, MaxLimit].
func ClampLimit(limit int) int {
	if limit < MinLimit {
		return MinLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Columns maps the sortable fields onto (possibly table-qualified) column names.
type Columns struct {
	ID        string
	Title     string
	CreatedAt string
}

// DefaultColumns uses the unqualified column names shared by bookshelves and notes.
var DefaultColumns = Columns{ID: "id", Title: "title", CreatedAt: "created_at"}

func (c Columns) sortColumn(field SortField) (string, error) {
	switch field {
	case SortTitle:
		return c.Title, nil
	case SortCreatedAt:
		return c.CreatedAt, nil
	default:
		return "", fmt.Errorf("%w: sort %q", ErrInvalidParams, field)
	}
}

// Scope returns a gorm scope applying keyset order, the resume predicate and the look-ahead limit.
// Owner filters are expected to be applied by the caller.
func Scope(params Params, columns Columns) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		sortColumn, err := columns.sortColumn(params.Sort)
		if err != nil {
			_ = db.AddError(err)
			return db
		}

		if params.Cursor != nil {
			sortValue, err := params.Cursor.SortValue(params.Sort)
			if err != nil {
				_ = db.AddError(err)
				return db
			}
			comparison := ">"
			if params.Order == OrderDesc {
				comparison = "<"
			}
			predicate := fmt.Sprintf("((%s = ? AND %s > ?) OR %s %s ?)", sortColumn, columns.ID, sortColumn, comparison)
			db = db.Where(predicate, sortValue, params.Cursor.ID.String(), sortValue)
		}

		return db.
			Order(clause.OrderByColumn{Column: clause.Column{Name: sortColumn, Raw: true}, Desc: params.Order == OrderDesc}).
			Order(clause.OrderByColumn{Column: clause.Column{Name: columns.ID, Raw: true}}).
			Limit(ClampLimit(params.Limit) + 1)
	}
}

// Key exposes the identity and sortable values of a paginated row.
type Key struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// Keyed is implemented by paginated entities.
type Keyed interface {
	PaginationKey() Key
}

// Page is one page of results plus the token resuming after it.
type Page[T any] struct {
	Data       []T     `json:"data"`
	NextCursor *string `json:"next_cursor"`
}

// NewPage trims the look-ahead row fetched by Scope and derives the next cursor from the last row kept.
func NewPage[T Keyed](rows []T, params Params) (Page[T], error) {
	limit := ClampLimit(params.Limit)
	if len(rows) <= limit {
		data := rows
		if data == nil {
			data = []T{}
		}
		return Page[T]{Data: data}, nil
	}

	data := rows[:limit]
	cursor, err := CursorFromKey(data[limit-1].PaginationKey())
	if err != nil {
		return Page[T]{}, err
	}
	token := cursor.Encode()
	return Page[T]{Data: data, NextCursor: &token}, nil
}
