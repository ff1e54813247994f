package relaydocs

import (
	"sort"
	"strings"
)

// FilterEntries keeps the entries matching filter and, case-insensitively,
// searchText in their title. members resolves a group to its user ids for
// FilterByDepartment.
func FilterEntries(entries []Entry, filter FilterType, subjectID, searchText string, members func(groupID string) []string) []Entry {
	if len(entries) == 0 {
		return entries
	}

	var where func(Entry) bool
	switch filter {
	case FilterByUser:
		where = func(e Entry) bool { return e.Meta().CreatedBy == subjectID }
	case FilterByDepartment:
		var group []string
		if members != nil {
			group = members(subjectID)
		}
		where = func(e Entry) bool { return contains(group, e.Meta().CreatedBy) }
	case FilterFilesOnly, FilterDocuments, FilterSpreadsheets, FilterPresentations, FilterImages, FilterArchive:
		where = func(e Entry) bool {
			f, ok := e.(File)
			return ok && (filter == FilterFilesOnly || CategoryOf(f.Extension()) == filter)
		}
	case FilterFoldersOnly:
		where = func(e Entry) bool { return e.Kind() == KindFolder }
	case FilterByExtension:
		ext := strings.ToLower(strings.TrimSpace(searchText))
		where = func(e Entry) bool {
			return ext != "" && e.Kind() == KindFile && strings.Contains(FileExtension(e.Meta().Title), ext)
		}
	}

	out := entries
	if where != nil {
		out = make([]Entry, 0, len(entries))
		for _, e := range entries {
			if where(e) {
				out = append(out, e)
			}
		}
	}

	search := strings.ToLower(strings.TrimSpace(searchText))
	if search == "" {
		return out
	}
	matched := make([]Entry, 0, len(out))
	for _, e := range out {
		if strings.Contains(strings.ToLower(e.Meta().Title), search) {
			matched = append(matched, e)
		}
	}
	return matched
}

func entryIsNew(e Entry) bool {
	switch v := e.(type) {
	case File:
		return v.IsNew
	case NativeFolder:
		return v.IsNew
	default:
		return false
	}
}

func boolCompare(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}

func int64Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// SortEntries orders entries by order. A zero order means newest first.
// Folders precede files and are sorted separately for every key but
// SortByNew. displayName resolves ModifiedBy for SortByAuthor.
func SortEntries(entries []Entry, order OrderBy, displayName func(userID string) string) []Entry {
	if len(entries) == 0 {
		return entries
	}
	if order.By == "" {
		order = OrderBy{By: SortByDateAndTime}
	}
	c := -1
	if order.Asc {
		c = 1
	}
	title := func(x, y Entry) int { return strings.Compare(x.Meta().Title, y.Meta().Title) }
	orTitle := func(cmp int, x, y Entry) int {
		if cmp == 0 {
			return title(x, y)
		}
		return cmp
	}
	author := func(e Entry) string {
		if displayName == nil {
			return e.Meta().ModifiedBy
		}
		return displayName(e.Meta().ModifiedBy)
	}

	var sorter func(x, y Entry) int
	switch order.By {
	case SortByType:
		sorter = func(x, y Entry) int {
			cmp := 0
			if x.Kind() == KindFile && y.Kind() == KindFile {
				cmp = c * strings.Compare(FileExtension(x.Meta().Title), FileExtension(y.Meta().Title))
			}
			return orTitle(cmp, x, y)
		}
	case SortByAuthor:
		sorter = func(x, y Entry) int {
			return orTitle(c*strings.Compare(author(x), author(y)), x, y)
		}
	case SortBySize:
		sorter = func(x, y Entry) int {
			cmp := 0
			xf, xok := x.(File)
			yf, yok := y.(File)
			if xok && yok {
				cmp = c * int64Compare(xf.ContentLength, yf.ContentLength)
			}
			return orTitle(cmp, x, y)
		}
	case SortByDateAndTime:
		sorter = func(x, y Entry) int {
			return orTitle(c*x.Meta().ModifiedOn.Compare(y.Meta().ModifiedOn), x, y)
		}
	case SortByNew:
		sorter = func(x, y Entry) int {
			if cmp := c * boolCompare(entryIsNew(x), entryIsNew(y)); cmp != 0 {
				return cmp
			}
			return orTitle(-x.Meta().ModifiedOn.Compare(y.Meta().ModifiedOn), x, y)
		}
	default:
		sorter = func(x, y Entry) int { return c * title(x, y) }
	}

	sortWith := func(list []Entry) {
		sort.SliceStable(list, func(i, j int) bool { return sorter(list[i], list[j]) < 0 })
	}

	if order.By == SortByNew {
		out := append([]Entry(nil), entries...)
		sortWith(out)
		return out
	}

	folders := make([]Entry, 0, len(entries))
	files := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Kind() == KindFolder {
			folders = append(folders, e)
		} else {
			files = append(files, e)
		}
	}
	sortWith(folders)
	sortWith(files)
	return append(folders, files...)
}

// paginate skips offset entries then keeps at most limit of them. Non-positive
// values disable the respective step.
func paginate(entries []Entry, offset, limit int) []Entry {
	if offset > 0 {
		if offset >= len(entries) {
			return []Entry{}
		}
		entries = entries[offset:]
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
