package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/lottery-saga/internal/adapter/handler"
)

const (
	poolSize      = 20
	totalRequests = 50
	perRequest    = 3
)

// Every request asks for a window of numbers that overlaps its neighbours, so
// at most one of any overlapping pair can win each number.
func main() {
	httpAddr := flag.String("http", "http://localhost:8080", "HTTP base URL of the draw service")
	grpcAddr := flag.String("grpc", "localhost:50051", "gRPC address of the draw service")
	flag.Parse()

	ctx := context.Background()

	drawID, err := createDraw(*httpAddr)
	if err != nil {
		log.Fatalf("failed to create draw: %v", err)
	}

	conn, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to connect grpc: %v", err)
	}
	defer conn.Close()
	client := handler.NewDrawClient(conn)

	// Counters
	var successCount atomic.Int32
	var conflictCount atomic.Int32
	var errorCount atomic.Int32

	var mu sync.Mutex
	owner := make(map[int]string)
	doubleSold := 0

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(userID int) {
			defer wg.Done()

			numbers := make([]int, 0, perRequest)
			for j := 0; j < perRequest; j++ {
				numbers = append(numbers, (userID+j)%poolSize)
			}
			resp, err := client.Reserve(ctx, &handler.ReserveRequest{
				DrawID:  drawID,
				UserID:  fmt.Sprintf("user-%d", userID),
				Series:  1,
				Numbers: numbers,
			})
			switch {
			case err != nil:
				errorCount.Add(1)
			case resp.Success:
				successCount.Add(1)
				mu.Lock()
				for _, n := range numbers {
					if _, taken := owner[n]; taken {
						doubleSold++
					}
					owner[n] = resp.OrderID
				}
				mu.Unlock()
			default:
				conflictCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Pool Size:        %d\n", poolSize)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Reserved:         %d\n", successCount.Load())
	fmt.Printf("Conflicts:        %d\n", conflictCount.Load())
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Numbers Taken:    %d\n", len(owner))
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if doubleSold == 0 {
		fmt.Println("PASS: No number reserved by two orders")
	} else {
		fmt.Printf("FAIL: %d numbers reserved more than once\n", doubleSold)
	}
	if int(successCount.Load())*perRequest == len(owner) {
		fmt.Println("PASS: Every reservation holds exactly its own numbers")
	} else {
		fmt.Printf("FAIL: %d reservations but %d numbers taken\n", successCount.Load(), len(owner))
	}

	suggest, err := client.Suggest(ctx, &handler.SuggestRequest{DrawID: drawID, Count: poolSize})
	if err != nil {
		log.Fatalf("suggest failed: %v", err)
	}
	if len(suggest.Suggestions) == poolSize-len(owner) {
		fmt.Printf("PASS: %d numbers left available\n", len(suggest.Suggestions))
	} else {
		fmt.Printf("FAIL: Expected %d available, got %d\n", poolSize-len(owner), len(suggest.Suggestions))
	}
}

func createDraw(baseURL string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"title":           "stress",
		"min_number":      0,
		"max_number":      poolSize - 1,
		"total_series":    1,
		"ticket_price":    "1",
		"max_per_request": perRequest,
	})
	resp, err := http.Post(baseURL+"/api/draws", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", fmt.Errorf("create draw: %s", out.Message)
	}
	return out.Data.ID, nil
}
