// Package remote serves object and pointer stores over HTTP
// and supplies a client for them.
package remote

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
)

const (
	metadataHeader = "X-Verso-Metadata"
	sizeHeader     = "X-Verso-Size"
)

type pointerJSON struct {
	Namespace string         `json:"namespace,omitempty"`
	Version   verso.Version  `json:"version"`
	Pin       *verso.Version `json:"pin"`
}

// Server exposes a pointer store,
// and optionally an object store,
// over HTTP.
//
//	GET  /pointers                  list announcements (if the store is a verso.PointerLister)
//	GET  /pointers/:ns              get an announcement
//	PUT  /pointers/:ns/version      announce {"version": N}
//	PUT  /pointers/:ns/pin          pin {"pin": N} or unpin {"pin": null}
//	HEAD /objects/*                 object size and metadata
//	GET  /objects/*                 object content
//	PUT  /objects/*                 store an object; metadata in the X-Verso-Metadata header as a JSON object
type Server struct {
	e    *echo.Echo
	ptrs verso.PointerStore
	objs verso.ObjectStore
}

// NewServer produces a new Server.
// If objs is nil, the /objects routes are not served.
func NewServer(ptrs verso.PointerStore, objs verso.ObjectStore) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{e: e, ptrs: ptrs, objs: objs}

	e.GET("/pointers", s.listPointers)
	e.GET("/pointers/:ns", s.getPointer)
	e.PUT("/pointers/:ns/version", s.announce)
	e.PUT("/pointers/:ns/pin", s.pin)

	if objs != nil {
		e.HEAD("/objects/*", s.statObject)
		e.GET("/objects/*", s.getObject)
		e.PUT("/objects/*", s.putObject)
	}

	return s
}

// Handler is the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start listens on addr and serves until Close is called.
func (s *Server) Start(addr string) error {
	err := s.e.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the server.
func (s *Server) Close() error {
	return s.e.Close()
}

func writeError(c echo.Context, err error) error {
	if errors.Is(err, verso.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func param(c echo.Context, name string) (string, error) {
	v, err := url.PathUnescape(c.Param(name))
	return v, errors.Wrapf(err, "unescaping %s", name)
}

func (s *Server) listPointers(c echo.Context) error {
	lister, ok := s.ptrs.(verso.PointerLister)
	if !ok {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "pointer store cannot list"})
	}
	result := []pointerJSON{}
	err := lister.ListPointers(c.Request().Context(), func(ns string, a verso.Announcement) error {
		result = append(result, pointerJSON{Namespace: ns, Version: a.Version, Pin: a.Pin})
		return nil
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) getPointer(c echo.Context) error {
	ns, err := param(c, "ns")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	a, err := s.ptrs.GetPointer(c.Request().Context(), ns)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pointerJSON{Version: a.Version, Pin: a.Pin})
}

func (s *Server) announce(c echo.Context) error {
	ns, err := param(c, "ns")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	var req pointerJSON
	if err = c.Bind(&req); err != nil || req.Version <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err = s.ptrs.Announce(c.Request().Context(), ns, req.Version); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) pin(c echo.Context) error {
	ns, err := param(c, "ns")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	var req pointerJSON
	if err = c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err = s.ptrs.Pin(c.Request().Context(), ns, req.Pin); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) statObject(c echo.Context) error {
	name, err := param(c, "*")
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	info, err := s.objs.Stat(c.Request().Context(), name)
	if errors.Is(err, verso.ErrNotFound) {
		return c.NoContent(http.StatusNotFound)
	}
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	if err = setInfoHeaders(c, info); err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusOK)
}

func setInfoHeaders(c echo.Context, info verso.ObjectInfo) error {
	h := c.Response().Header()
	h.Set(sizeHeader, strconv.FormatInt(info.Size, 10))
	if len(info.Metadata) > 0 {
		b, err := json.Marshal(info.Metadata)
		if err != nil {
			return err
		}
		h.Set(metadataHeader, string(b))
	}
	return nil
}

func (s *Server) getObject(c echo.Context) error {
	name, err := param(c, "*")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	ctx := c.Request().Context()
	info, err := s.objs.Stat(ctx, name)
	if err != nil {
		return writeError(c, err)
	}
	rc, err := s.objs.Open(ctx, name)
	if err != nil {
		return writeError(c, err)
	}
	defer rc.Close()

	if err = setInfoHeaders(c, info); err != nil {
		return writeError(c, err)
	}
	return c.Stream(http.StatusOK, echo.MIMEOctetStream, rc)
}

func (s *Server) putObject(c echo.Context) error {
	name, err := param(c, "*")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	var meta map[string]string
	if h := c.Request().Header.Get(metadataHeader); h != "" {
		if err = json.Unmarshal([]byte(h), &meta); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid metadata header"})
		}
	}
	body := c.Request().Body
	defer body.Close()
	if err = s.objs.Put(c.Request().Context(), name, io.Reader(body), meta); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
