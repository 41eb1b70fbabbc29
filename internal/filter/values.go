package filter

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"boardline/internal/domain"
)

// ParseSort reads "field,-other" into sort keys; a leading '-' means descending.
func ParseSort(s string) ([]SortKey, error) {
	var keys []SortKey
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k := SortKey{Field: part}
		if strings.HasPrefix(part, "-") {
			k = SortKey{Field: strings.TrimPrefix(part, "-"), Desc: true}
		}
		if _, err := lookup(k.Field); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// FormatSort is the inverse of ParseSort.
func FormatSort(keys []SortKey) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if k.Desc {
			parts = append(parts, "-"+k.Field)
			continue
		}
		parts = append(parts, k.Field)
	}
	return strings.Join(parts, ",")
}

// Values encodes q as URL query parameters.
func (q Query) Values() url.Values {
	v := url.Values{}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if len(q.SearchFields) > 0 {
		v.Set("search_fields", strings.Join(q.SearchFields, ","))
	}
	for name, val := range q.Equals {
		if val != "" {
			v.Set(name, val)
		}
	}
	if q.Tag != "" {
		v.Set("tag", q.Tag)
	}
	for name, val := range q.Flags {
		v.Set(name, strconv.FormatBool(val))
	}
	if q.DateField != "" {
		v.Set("date_field", q.DateField)
	}
	if q.From != nil {
		v.Set("from", q.From.UTC().Format(time.RFC3339Nano))
	}
	if q.To != nil {
		v.Set("to", q.To.UTC().Format(time.RFC3339Nano))
	}
	if len(q.Sort) > 0 {
		v.Set("sort", FormatSort(q.Sort))
	}
	if q.PageSize > 0 {
		v.Set("page", strconv.Itoa(max(q.Page, 1)))
		v.Set("page_size", strconv.Itoa(q.PageSize))
	}
	return v
}

// FromValues decodes parameters produced by Values.
func FromValues(v url.Values) (Query, error) {
	var q Query
	q.Search = v.Get("search")
	if s := v.Get("search_fields"); s != "" {
		q.SearchFields = strings.Split(s, ",")
	}
	names := make([]string, 0, len(categorical))
	for name := range categorical {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if val := v.Get(name); val != "" {
			if q.Equals == nil {
				q.Equals = map[string]string{}
			}
			q.Equals[name] = val
		}
	}
	q.Tag = v.Get("tag")
	for _, name := range []string{"is_urgent", "is_public"} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Query{}, domain.Errorf(domain.KindValidation, "invalid %s: %s", name, raw)
		}
		if q.Flags == nil {
			q.Flags = map[string]bool{}
		}
		q.Flags[name] = b
	}
	q.DateField = v.Get("date_field")
	var err error
	if q.From, err = parseBound(v.Get("from"), "from"); err != nil {
		return Query{}, err
	}
	if q.To, err = parseBound(v.Get("to"), "to"); err != nil {
		return Query{}, err
	}
	if s := v.Get("sort"); s != "" {
		if q.Sort, err = ParseSort(s); err != nil {
			return Query{}, err
		}
	}
	if q.Page, err = parseInt(v.Get("page"), "page"); err != nil {
		return Query{}, err
	}
	if q.PageSize, err = parseInt(v.Get("page_size"), "page_size"); err != nil {
		return Query{}, err
	}
	return q, q.Validate()
}

func parseBound(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := domain.ParseTime(raw)
	if err != nil {
		d, derr := time.Parse(time.DateOnly, raw)
		if derr != nil {
			return nil, domain.Errorf(domain.KindValidation, "invalid %s: %s", name, raw)
		}
		t = d.UTC()
	}
	return &t, nil
}

func parseInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Errorf(domain.KindValidation, "invalid %s: %s", name, raw)
	}
	return n, nil
}
