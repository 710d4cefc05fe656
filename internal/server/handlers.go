package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MrSnakeDoc/ghrelay/internal/errs"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
	"github.com/MrSnakeDoc/ghrelay/internal/repolist"
	"github.com/MrSnakeDoc/ghrelay/internal/rotator"
)

type envelope struct {
	Success    bool              `json:"success"`
	Data       any               `json:"data,omitempty"`
	Count      *int              `json:"count,omitempty"`
	TokenStats *rotator.Snapshot `json:"tokenStats,omitempty"`
	Error      string            `json:"error,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func success(data any) envelope {
	return envelope{Success: true, Data: data, Timestamp: time.Now().UTC()}
}

func list[T any](items []T) envelope {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	e := success(items)
	e.Count = &n
	return e
}

func failure(msg string) envelope {
	return envelope{Error: msg, Timestamp: time.Now().UTC()}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.LogError("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, failure(err.Error()))
}

// repoParams validates the :owner/:repo pair.
func repoParams(c *gin.Context) (owner, repo string, ok bool) {
	owner, repo, ok = repolist.SplitFullName(c.Param("owner") + "/" + c.Param("repo"))
	if !ok {
		c.JSON(http.StatusBadRequest, failure(errs.Msg(errs.InvalidRepoPath, c.Param("owner")+"/"+c.Param("repo"))))
	}
	return owner, repo, ok
}

func (s *Server) handleRepos(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	repos, err := s.backend.ListRepositories(c.Request.Context(), force)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, list(repos))
}

func (s *Server) handleLatest(c *gin.Context) {
	entries, err := s.backend.ListLatestReleases(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	e := list(entries)
	stats := s.backend.TokenStats()
	e.TokenStats = &stats
	c.JSON(http.StatusOK, e)
}

func (s *Server) handleEverything(c *gin.Context) {
	all, err := s.backend.ListEverything(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(all))
}

func (s *Server) handleDetails(c *gin.Context) {
	owner, repo, ok := repoParams(c)
	if !ok {
		return
	}
	entry, err := s.backend.RepoDetails(c.Request.Context(), owner, repo)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, success(entry))
}

func (s *Server) handleAll(c *gin.Context) {
	owner, repo, ok := repoParams(c)
	if !ok {
		return
	}
	rels, err := s.backend.ListAllReleases(c.Request.Context(), owner, repo)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(rels))
}

func (s *Server) handleDownload(c *gin.Context) {
	owner, repo, ok := repoParams(c)
	if !ok {
		return
	}
	assetID, err := strconv.ParseInt(c.Param("assetId"), 10, 64)
	if err != nil || assetID <= 0 {
		c.JSON(http.StatusBadRequest, failure("invalid asset id"))
		return
	}

	err = s.backend.DownloadAsset(c.Writer, c.Request, owner, repo, assetID, c.Param("filename"))
	if err == nil {
		return
	}
	if c.Writer.Written() {
		// Headers are gone; all we can do is cut the stream.
		c.Abort()
		return
	}
	s.fail(c, err)
}

func (s *Server) handleRefresh(c *gin.Context) {
	res, err := s.backend.Refresh(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, success(res))
}

func (s *Server) handleRefreshRepo(c *gin.Context) {
	owner, repo, ok := repoParams(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, success(s.backend.RefreshRepo(owner, repo)))
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, success(s.backend.Status()))
}

func (s *Server) handleTokens(c *gin.Context) {
	c.JSON(http.StatusOK, success(s.backend.TokenStats()))
}

func (s *Server) handleTokenReset(c *gin.Context) {
	c.JSON(http.StatusOK, success(s.backend.ResetTokens()))
}
