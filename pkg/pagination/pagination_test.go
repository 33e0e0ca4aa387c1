package pagination

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func parseQuery(q string) Params {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/api/audit-logs?"+q, nil)
	return Parse(c)
}

func TestParse(t *testing.T) {
	assert.Equal(t, Params{Page: 1, Limit: 20, Offset: 0}, parseQuery(""))
	assert.Equal(t, Params{Page: 3, Limit: 10, Offset: 20}, parseQuery("page=3&limit=10"))
	assert.Equal(t, Params{Page: 1, Limit: 100, Offset: 0}, parseQuery("page=-2&limit=500"))
	assert.Equal(t, Params{Page: 1, Limit: 20, Offset: 0}, parseQuery("page=abc&limit=0"))
}

func TestWrap(t *testing.T) {
	p := New(2, 20)
	page := Wrap(p, []string{"a"}, 41)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 2, page.Page)

	empty := Wrap[string](p, nil, 0)
	assert.NotNil(t, empty.Items)
	assert.Equal(t, 0, empty.TotalPages)
}
