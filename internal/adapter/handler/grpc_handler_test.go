package handler

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func startGRPC(t *testing.T, f *fixture) *DrawClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(TraceInterceptor))
	RegisterDrawServiceServer(srv, NewGRPCHandler(f.draws))
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
	})
	return NewDrawClient(conn)
}

func TestGRPC_Reserve(t *testing.T) {
	f := newFixture(t)
	client := startGRPC(t, f)
	ctx := context.Background()

	resp, err := client.Reserve(ctx, &ReserveRequest{DrawID: f.draw.ID, UserID: "alice", Series: 1, Numbers: []int{3, 4}})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if !resp.Success || resp.OrderID == "" || len(resp.NumberIDs) != 2 || resp.TotalAmount != "10" {
		t.Errorf("unexpected response %+v", resp)
	}

	resp, err = client.Reserve(ctx, &ReserveRequest{DrawID: f.draw.ID, UserID: "bob", Series: 1, Numbers: []int{4, 5}})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if resp.Success || len(resp.Unavailable) != 1 || resp.Unavailable[0] != 4 {
		t.Errorf("expected conflict on 4, got %+v", resp)
	}

	resp, err = client.Reserve(ctx, &ReserveRequest{DrawID: "missing", UserID: "bob", Series: 1, Numbers: []int{1}})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if resp.Success || resp.Message != "draw not found" {
		t.Errorf("expected draw not found, got %+v", resp)
	}
}

func TestGRPC_Suggest(t *testing.T) {
	f := newFixture(t)
	client := startGRPC(t, f)

	resp, err := client.Suggest(context.Background(), &SuggestRequest{DrawID: f.draw.ID, Count: 3})
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if !resp.Success || len(resp.Suggestions) != 3 {
		t.Fatalf("expected 3 suggestions, got %+v", resp)
	}
	seen := make(map[int]bool)
	for _, s := range resp.Suggestions {
		if s.Number < 0 || s.Number > 9 || s.Series != 1 {
			t.Errorf("suggestion out of range: %+v", s)
		}
		if seen[s.Number] {
			t.Errorf("duplicate suggestion %d", s.Number)
		}
		seen[s.Number] = true
	}

	resp, err = client.Suggest(context.Background(), &SuggestRequest{DrawID: f.draw.ID, Count: 500})
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if resp.Success {
		t.Error("expected oversized count rejected")
	}
}
