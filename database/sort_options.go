package database

const (
	SortDateDesc = "date_desc"
	SortDateAsc  = "date_asc"
)

const DefaultSortOrder = SortDateDesc

// IsValidSortOrder checks if a string is a valid sort order constant
func IsValidSortOrder(order string) bool {
	switch order {
	case SortDateDesc, SortDateAsc:
		return true
	default:
		return false
	}
}

func jobOrderBy(order string) []string {
	if order == SortDateAsc {
		return []string{"created_at ASC", "id ASC"}
	}
	return []string{"created_at DESC", "id DESC"}
}
