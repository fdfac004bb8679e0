package http

import (
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
)

const contentTypeJSON = "application/json; charset=utf-8"

// render writes v as JSON using sonic.
func render(c *gin.Context, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		_ = c.Error(err)
		c.Data(http.StatusInternalServerError, contentTypeJSON, []byte(`{"error":"encoding failed"}`))
		return
	}
	c.Data(status, contentTypeJSON, data)
}

func renderError(c *gin.Context, status int, err error) {
	render(c, status, gin.H{"error": err.Error()})
}

// bind decodes the JSON body into v with sonic, answering 400 itself when
// it cannot.
func bind(c *gin.Context, v any) bool {
	data, err := c.GetRawData()
	if err == nil {
		err = sonic.Unmarshal(data, v)
	}
	if err != nil {
		renderError(c, http.StatusBadRequest, fmt.Errorf("%w: %w", ErrBadBody, err))
		return false
	}
	return true
}
