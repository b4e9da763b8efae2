package web

import (
	"net/http"
	"github.com/statecraftio/statecraft/pkg/core"
	"github.com/statecraftio/statecraft/pkg/fx"
)

// HttpVerticle is a verticle that runs an HTTP server
// Extends BaseVerticle for common lifecycle management
type HttpVerticle struct {
	*core.BaseVerticle // Embed base verticle for lifecycle management
	port               string
	router             Router
	server             *http.Server
}

func NewHttpVerticle(port string, router Router) *HttpVerticle {
	return &HttpVerticle{
		BaseVerticle: core.NewBaseVerticle("http-verticle"),
		port:         port,
		router:       router,
	}
}

// Start starts the embedded BaseVerticle, then the HTTP listener
func (v *HttpVerticle) Start(ctx core.FluxorContext) error {
	if err := v.BaseVerticle.Start(ctx); err != nil {
		return err
	}
	return v.doStart(ctx)
}

// Stop closes the HTTP listener, then stops the embedded BaseVerticle
func (v *HttpVerticle) Stop(ctx core.FluxorContext) error {
	if err := v.doStop(ctx); err != nil {
		return err
	}
	return v.BaseVerticle.Stop(ctx)
}

// doStart is called by Start
func (v *HttpVerticle) doStart(ctx core.FluxorContext) error {
	logger := core.NewDefaultLogger()
	logger.Info("HttpVerticle Listening", "port", v.port)

	handler := func(w http.ResponseWriter, r *http.Request) {
		c := fx.NewContext(w, r, ctx)
		// Router interface should implement http.Handler
		if httpHandler, ok := v.router.(http.Handler); ok {
			httpHandler.ServeHTTP(c.W, c.R)
		}
	}

	v.server = &http.Server{Addr: ":" + v.port, Handler: http.HandlerFunc(handler)}
	
	go func() { 
		if err := v.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server crashed", "err", err)
		}
	}()
	return nil
}

// doStop is called by Stop
func (v *HttpVerticle) doStop(ctx core.FluxorContext) error {
	if v.server != nil {
		return v.server.Close()
	}
	return nil
}
