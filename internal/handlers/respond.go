package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"gorm.io/gorm"
)

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// failErr maps a store error onto a response; not-found becomes 404.
func failErr(c *gin.Context, err error, notFound string) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusNotFound, notFound)
		return
	}
	_ = c.Error(err)
	fail(c, http.StatusInternalServerError, "internal error")
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// strictJSON is a JSON binding that rejects unknown fields. Unlike
// binding.EnableDecoderDisallowUnknownFields it applies per route.
type strictJSON struct{}

var _ binding.BindingBody = strictJSON{}

func (strictJSON) Name() string { return "strict-json" }

func (b strictJSON) Bind(req *http.Request, obj any) error {
	if req == nil || req.Body == nil {
		return errors.New("invalid request")
	}
	return b.decode(req.Body, obj)
}

func (b strictJSON) BindBody(body []byte, obj any) error {
	return b.decode(bytes.NewReader(body), obj)
}

func (strictJSON) decode(r io.Reader, obj any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(obj); err != nil {
		return err
	}
	if binding.Validator == nil {
		return nil
	}
	return binding.Validator.ValidateStruct(obj)
}
