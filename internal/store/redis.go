package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"locsrc-svr/internal/observability"
)

const (
	deviceTTL  = 24 * time.Hour
	counterTTL = 48 * time.Hour
)

// Store guarda en Redis el estado de cada dispositivo. Un *Store nil es
// valido y no hace nada, como cuando REDIS_ADDR esta vacio.
type Store struct {
	rdb *redis.Client
	log *slog.Logger
}

// InitRedis conecta y hace ping.
func InitRedis(ctx context.Context, addr string, db int, lg *slog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	lg.Info("redis connected", "addr", addr, "db", db)
	return New(rdb, lg), nil
}

func New(rdb *redis.Client, lg *slog.Logger) *Store {
	return &Store{rdb: rdb, log: lg.With("component", "store")}
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}

func deviceKey(id string) string { return "dev:" + id }

func counterKey(id, cmd string, day time.Time) string {
	return "cmd:" + id + ":" + cmd + ":" + day.Format("20060102")
}

// ---------------------------------------------------------------------------
// Strings sueltos
// ---------------------------------------------------------------------------

func (s *Store) SaveStringSafe(ctx context.Context, key, value string, ttl time.Duration) {
	if s == nil {
		return
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		observability.RedisSetErrors.Inc()
		s.log.Error("redis SET failed", "key", key, "err", err)
	}
}

// GetStringSafe devuelve "" si la clave no existe o redis falla.
func (s *Store) GetStringSafe(ctx context.Context, key string) string {
	if s == nil {
		return ""
	}
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("redis GET failed", "key", key, "err", err)
		}
		return ""
	}
	return val
}

// ---------------------------------------------------------------------------
// Estado por dispositivo (hash dev:<id>)
// ---------------------------------------------------------------------------

// SaveDevice registra la conexion y sus capacidades.
func (s *Store) SaveDevice(ctx context.Context, id, remote string, caps []string) {
	s.saveFields(ctx, id,
		"remote", remote,
		"caps", strings.Join(caps, ","),
		"connected_at", time.Now().UTC().Format(time.RFC3339),
	)
}

func (s *Store) SaveSources(ctx context.Context, id string, enabled []string) {
	s.saveFields(ctx, id, "sources", strings.Join(enabled, ","))
}

func (s *Store) SaveSupl(ctx context.Context, id, server string) {
	s.saveFields(ctx, id, "supl", server)
}

// SaveBaseStation guarda la ultima estacion base reportada por la red.
func (s *Store) SaveBaseStation(ctx context.Context, id string, bsID uint16, lat, lon float64) {
	s.saveFields(ctx, id,
		"bs_id", strconv.Itoa(int(bsID)),
		"bs_lat", strconv.FormatFloat(lat, 'f', 6, 64),
		"bs_lon", strconv.FormatFloat(lon, 'f', 6, 64),
	)
}

// Device devuelve el hash completo, vacio si no hay nada.
func (s *Store) Device(ctx context.Context, id string) map[string]string {
	if s == nil {
		return map[string]string{}
	}
	out, err := s.rdb.HGetAll(ctx, deviceKey(id)).Result()
	if err != nil {
		s.log.Warn("redis HGETALL failed", "device", id, "err", err)
		return map[string]string{}
	}
	return out
}

func (s *Store) ClearDevice(ctx context.Context, id string) {
	if s == nil {
		return
	}
	if err := s.rdb.Del(ctx, deviceKey(id)).Err(); err != nil {
		s.log.Warn("redis DEL failed", "device", id, "err", err)
	}
}

func (s *Store) saveFields(ctx context.Context, id string, kv ...string) {
	if s == nil {
		return
	}
	key := deviceKey(id)
	args := make([]any, len(kv))
	for i, v := range kv {
		args[i] = v
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, args...)
	pipe.Expire(ctx, key, deviceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RedisSetErrors.Inc()
		s.log.Error("redis HSET failed", "device", id, "err", err)
	}
}

// ---------------------------------------------------------------------------
// Contador diario de comandos
// ---------------------------------------------------------------------------

// IncDailyCmdCounter cuenta un intento del comando hoy. Si ya se alcanzo el
// limite no incrementa y devuelve allowed=false. Sin redis siempre permite.
func (s *Store) IncDailyCmdCounter(ctx context.Context, id, cmd string, limit int) (allowed bool, count int64, err error) {
	if s == nil || limit <= 0 {
		return true, 0, nil
	}
	key := counterKey(id, cmd, time.Now())

	cur, err := s.rdb.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, fmt.Errorf("redis GET %s: %w", key, err)
	}
	if cur >= int64(limit) {
		return false, cur, nil
	}

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, cur, fmt.Errorf("redis INCR %s: %w", key, err)
	}
	return true, incr.Val(), nil
}
