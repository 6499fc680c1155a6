package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"

	"msg_rag/server/common/infra/mq"
	commonlog "msg_rag/server/common/log"
	"msg_rag/server/ragman/api"
	"msg_rag/server/ragman/service"
)

type Server struct {
	HTTPServer *http.Server
	Engine     *Engine
	MQConn     *amqp.Connection
	Consumer   *service.EventConsumer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engine, err := BuildEngine(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build rag engine: %w", err)
	}
	if err := engine.RAG.Start(ctx); err != nil {
		_ = engine.Close(ctx)
		return nil, fmt.Errorf("start rag service: %w", err)
	}

	var (
		mqConn   *amqp.Connection
		consumer *service.EventConsumer
	)
	if cfg.ConsumeEvents {
		mqConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			_ = engine.Close(ctx)
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		consumer, err = service.NewEventConsumer(mqConn, cfg.EventQueueName, engine.RAG)
		if err != nil {
			_ = mqConn.Close()
			_ = engine.Close(ctx)
			return nil, fmt.Errorf("initialize event consumer: %w", err)
		}
	}

	h := api.NewHandler(engine.RAG, cfg.JWTSecret, cfg.JWTTTLMinutes)
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s := &Server{
		HTTPServer: httpServer,
		Engine:     engine,
		MQConn:     mqConn,
		Consumer:   consumer,
	}
	s.startBackground(cfg)
	return s, nil
}

func (s *Server) startBackground(cfg Config) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.Consumer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Consumer.Run(ctx); err != nil {
				commonlog.Errorf("event=rag_consumer status=stopped err=%v", err)
			}
		}()
	}

	if cfg.SnapshotEnabled && cfg.SnapshotInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(cfg.SnapshotInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.Engine.RAG.Snapshot(ctx); err != nil {
						commonlog.Warnf("event=rag_snapshot status=failed err=%v", err)
					}
				}
			}
		}()
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.HTTPServer.Shutdown(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.Consumer != nil {
		_ = s.Consumer.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if err := s.Engine.Close(ctx); err != nil {
		return err
	}
	return httpErr
}
