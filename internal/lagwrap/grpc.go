// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package lagwrap

import (
	"context"
	"log/slog"
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/cardinalhq/lagrunner/internal/logctx"
)

// Interceptor applies lag to a gRPC server. Unary calls are "method"
// targets, server-streaming calls are "publication" targets; client and
// bidirectional streams pass through undelayed.
type Interceptor struct {
	methods      *Wrapper
	publications *Wrapper
	gate         *SlotGate
	clientKey    func(ctx context.Context) string
}

type InterceptorOption func(*Interceptor)

// WithSlotGate serialises calls per client through gate, which then
// supplies the Unblocker for each call.
func WithSlotGate(gate *SlotGate) InterceptorOption {
	return func(i *Interceptor) { i.gate = gate }
}

// WithClientKey overrides how calls are mapped to clients. The default is
// the peer address.
func WithClientKey(fn func(ctx context.Context) string) InterceptorOption {
	return func(i *Interceptor) { i.clientKey = fn }
}

func NewInterceptor(methods, publications *Wrapper, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		methods:      methods,
		publications: publications,
		clientKey:    peerAddress,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func peerAddress(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// acquire takes the caller's slot when a gate is configured. The returned
// done func must always be called.
func (i *Interceptor) acquire(ctx context.Context, method string) (context.Context, func(), error) {
	if i.gate == nil {
		return ctx, func() {}, nil
	}
	lease, err := i.gate.Acquire(ctx, i.clientKey(ctx), method)
	if err != nil {
		return ctx, func() {}, status.FromContextError(err).Err()
	}
	return WithUnblocker(ctx, lease), lease.Done, nil
}

func (i *Interceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if i.methods == nil {
			return handler(ctx, req)
		}
		ctx, done, err := i.acquire(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		defer done()

		ctx = logctx.WithTarget(ctx, i.methods.Category().Type(), info.FullMethod)
		i.methods.Inject(ctx, info.FullMethod)
		return handler(ctx, req)
	}
}

func (i *Interceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if i.publications == nil || info.IsClientStream || !info.IsServerStream {
			return handler(srv, ss)
		}
		ctx, done, err := i.acquire(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		defer done()

		ctx = logctx.WithTarget(ctx, i.publications.Category().Type(), info.FullMethod)
		i.publications.Inject(ctx, info.FullMethod)
		return handler(srv, &serverStream{ServerStream: ss, ctx: ctx})
	}
}

type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *serverStream) Context() context.Context { return s.ctx }

// ServiceInfoProvider is satisfied by *grpc.Server.
type ServiceInfoProvider interface {
	GetServiceInfo() map[string]grpc.ServiceInfo
}

// RegisterServiceNames records every method the server exposes as a target
// name of the category that will delay it.
func (i *Interceptor) RegisterServiceNames(ctx context.Context, s ServiceInfoProvider) {
	services := s.GetServiceInfo()
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, svc := range names {
		for _, m := range services[svc].Methods {
			full := "/" + svc + "/" + m.Name
			switch {
			case !m.IsClientStream && !m.IsServerStream && i.methods != nil:
				i.methods.Register(ctx, full)
			case m.IsServerStream && !m.IsClientStream && i.publications != nil:
				i.publications.Register(ctx, full)
			default:
				slog.Debug("Not registering lag target", slog.String("method", full))
			}
		}
	}
}
