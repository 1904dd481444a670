package service

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ikenchina/fdwxact/common/metrics"
	"github.com/ikenchina/fdwxact/define"
)

var (
	httpHandleTimer = metrics.NewTimer("fdwxact", "http_server", "handler", "http handler metrics", []string{"path", "method", "code"})
)

func (s *FdwXactService) newHttpHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	app := gin.New()
	app.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"code": "NOT_FOUND", "message": "not found"})
	})

	app.Use(func(c *gin.Context) {
		timer := httpHandleTimer.Timer()
		c.Next()
		timer(c.FullPath(), c.Request.Method, strconv.Itoa(c.Writer.Status()))
	})
	app.Use(gin.Recovery())

	app.GET("/debug/healthcheck", s.HealthCheck)
	app.GET("/debug/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(app, "debug/pprof")

	group := app.Group("/fdwxact")
	group.GET("/resolvers", s.HttpListResolvers)
	group.DELETE("/resolvers/:dbid", s.privileged, s.HttpStopResolver)
	group.GET("/xacts", s.HttpListXacts)
	group.POST("/xacts/resolve", s.privileged, s.HttpResolveXacts)
	group.POST("/xacts/remove", s.privileged, s.HttpRemoveXacts)
	return app
}

func (s *FdwXactService) privileged(c *gin.Context) {
	if err := s.authorize(c.GetHeader(define.AdminTokenHeader)); err != nil {
		c.AbortWithStatusJSON(http.StatusForbidden, &define.AdminResponse{
			Msg: fmt.Sprintf("ERROR : %v", err),
		})
		return
	}
	c.Next()
}

func (s *FdwXactService) HealthCheck(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *FdwXactService) HttpListResolvers(c *gin.Context) {
	c.JSON(http.StatusOK, &define.ResolversResponse{Resolvers: s.listResolvers()})
}

func (s *FdwXactService) HttpStopResolver(c *gin.Context) {
	dbid, err := strconv.ParseUint(c.Param("dbid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, &define.AdminResponse{Msg: fmt.Sprintf("ERROR : %v", err)})
		return
	}
	err = s.stopResolver(c.Request.Context(), uint32(dbid))
	resp := &define.AdminResponse{}
	if err != nil {
		resp.Msg = fmt.Sprintf("ERROR : %v", err)
	}
	c.JSON(toHttpStatusCode(err), resp)
}

func (s *FdwXactService) HttpListXacts(c *gin.Context) {
	filter := define.XactFilter{}
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, &define.XactsResponse{Msg: fmt.Sprintf("ERROR : %v", err)})
		return
	}
	c.JSON(http.StatusOK, &define.XactsResponse{Xacts: s.listXacts(filter)})
}

func (s *FdwXactService) HttpResolveXacts(c *gin.Context) {
	s.xactsAction(c, s.resolveXacts)
}

func (s *FdwXactService) HttpRemoveXacts(c *gin.Context) {
	s.xactsAction(c, s.removeXacts)
}

func (s *FdwXactService) xactsAction(c *gin.Context,
	action func(ctx context.Context, f define.XactFilter) (*define.XactsActionResponse, error)) {
	filter := define.XactFilter{}
	if err := c.ShouldBindJSON(&filter); err != nil {
		c.JSON(http.StatusBadRequest, &define.XactsActionResponse{Msg: fmt.Sprintf("ERROR : %v", err)})
		return
	}
	resp, err := action(c.Request.Context(), filter)
	if resp == nil {
		resp = &define.XactsActionResponse{}
	}
	if err != nil {
		resp.Msg = fmt.Sprintf("ERROR : %v", err)
	}
	c.JSON(toHttpStatusCode(err), resp)
}
