package activitylogs

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pam-backend/pam-backend/internal/activitylog"
)

const (
	defaultPerPage     = 15
	maxPerPage         = 100
	defaultRecentLimit = 10
)

// Pagination mirrors the envelope the front end already consumes
type Pagination struct {
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
}

// Page is a paginated listing response
type Page struct {
	Success    bool                   `json:"success"`
	Data       []activitylog.LogEntry `json:"data"`
	Pagination Pagination             `json:"pagination"`
}

// pageParams reads page and per_page, falling back to defaults on bad input.
func pageParams(c *gin.Context) (page, perPage int) {
	page, err := strconv.Atoi(c.Query("page"))
	if err != nil || page < 1 {
		page = 1
	}
	perPage, err = strconv.Atoi(c.Query("per_page"))
	if err != nil || perPage < 1 {
		perPage = defaultPerPage
	}
	return page, min(perPage, maxPerPage)
}

// paginate slices an already sorted result set. Pages past the end are empty.
func paginate(entries []activitylog.LogEntry, page, perPage int) Page {
	total := len(entries)
	lastPage := max((total+perPage-1)/perPage, 1)

	// Compare pages before multiplying so a huge page cannot overflow.
	start := total
	if page <= lastPage {
		start = (page - 1) * perPage
	}
	end := min(start+perPage, total)

	data := entries[start:end]
	if data == nil {
		data = []activitylog.LogEntry{}
	}
	return Page{
		Success: true,
		Data:    data,
		Pagination: Pagination{
			CurrentPage: page,
			LastPage:    lastPage,
			PerPage:     perPage,
			Total:       total,
		},
	}
}
