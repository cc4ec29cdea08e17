package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"liyu1981.xyz/vitals-alert-service/pkg/auth"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	vitalsGrpc "liyu1981.xyz/vitals-alert-service/pkg/grpc"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
)

var maxPatients int = 1000
var readingsPerPatient int = 5
var httpHostPort string = "127.0.0.1:1080"
var grpcHostPort string = "127.0.0.1:10801"

var grpcClient *vitalsGrpc.VitalsServiceClient
var doctorToken string

var rnd *rand.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
var rndMu sync.Mutex

var failures atomic.Int64

func main() {
	secret := os.Getenv(common.EnvKeyVitalsJWTSecret)
	if secret == "" {
		log.Fatal(common.EnvKeyVitalsJWTSecret + " must match the server to list and acknowledge alerts")
	}
	token, err := auth.NewJWTAuthenticator(secret).IssueToken(models.Identity{
		UserID: "benchmark-doctor",
		Name:   "Benchmark",
		Role:   models.RoleDoctor,
	}, time.Hour)
	if err != nil {
		log.Fatal(err)
	}
	doctorToken = token

	patientIDs := make([]string, maxPatients)
	for i := 0; i < maxPatients; i++ {
		patientIDs[i] = uuid.NewString()
	}
	fmt.Printf("generated %v patient IDs\n", maxPatients)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", httpHostPort))
	if err != nil {
		log.Fatal("Failed to connect to HTTP server:", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatal("HTTP server not available")
	}

	fmt.Printf("http server verified\n")

	conn, err := grpc.Dial(grpcHostPort, grpc.WithInsecure())
	if err != nil {
		log.Fatal("Failed to connect to gRPC server:", err)
	}
	defer conn.Close()
	grpcClient = vitalsGrpc.NewVitalsServiceClient(conn)

	fmt.Printf("gRPC server verified and connected\n")

	var startTime time.Time
	var usedTime time.Duration

	startTime = time.Now()
	wg := sync.WaitGroup{}
	for i := 0; i < maxPatients; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rangeIdx := 0; rangeIdx < readingsPerPatient; rangeIdx++ {
				postReading(patientIDs[i])
			}
			fmt.Printf("\rposted readings for patient %v", i)
		}()
	}
	wg.Wait()
	usedTime = time.Since(startTime)

	total := maxPatients * readingsPerPatient
	fmt.Printf(
		"\rposted %v readings: used time=%v seconds, throughput=%v readings/second\n",
		total, usedTime.Seconds(), float64(total)/usedTime.Seconds(),
	)

	startTime = time.Now()
	wg = sync.WaitGroup{}
	for i := 0; i < maxPatients; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			reviewAlerts(patientIDs[i])
		}()
	}
	wg.Wait()
	usedTime = time.Since(startTime)

	fmt.Printf(
		"\rreviewed alerts for %v patients: used time=%v seconds, throughput=%v patients/second\n",
		maxPatients, usedTime.Seconds(), float64(maxPatients)/usedTime.Seconds(),
	)
	fmt.Printf("failed calls: %v\n", failures.Load())
}

func flipCoin() bool {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Int31n(100000)%2 == 0
}

func rndFloat64(min, max float64, decimal int) float64 {
	rndMu.Lock()
	val := min + rnd.Float64()*(max-min)
	rndMu.Unlock()
	multiplier := math.Pow10(decimal)
	return math.Round(val*multiplier) / multiplier
}

// postReading sends a reading that is abnormal about a third of the time.
func postReading(patientID string) {
	deviceID := "bench-" + patientID
	hr := rndFloat64(60, 100, 0)
	spo2 := rndFloat64(94, 100, 0)
	temp := rndFloat64(36.2, 37.4, 1)
	if rndFloat64(0, 1, 2) < 0.33 {
		hr = rndFloat64(130, 180, 0)
	}
	now := time.Now()

	if flipCoin() {
		payload := map[string]any{
			"device_id":   deviceID,
			"timestamp":   now.Format(time.RFC3339),
			"heart_rate":  hr,
			"spo2":        spo2,
			"temperature": temp,
		}
		jsonData, _ := json.Marshal(payload)
		resp, err := http.Post(fmt.Sprintf("http://%s/patients/%s/readings", httpHostPort, patientID), "application/json", bytes.NewBuffer(jsonData))
		if err != nil {
			failures.Add(1)
			fmt.Printf("\nerror: %v\n", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			failures.Add(1)
		}
	} else {
		resp, err := grpcClient.PostReading(context.Background(), &vitalsGrpc.PostReadingRequest{
			DeviceID:    deviceID,
			PatientID:   patientID,
			Timestamp:   now,
			HeartRate:   &hr,
			SpO2:        &spo2,
			Temperature: &temp,
		})
		if err != nil {
			failures.Add(1)
			fmt.Printf("\nerror: %v\n", err)
			return
		}
		if !resp.Status.Success {
			failures.Add(1)
			fmt.Printf("\nresponse success = false: %v\n", resp.Status.Message)
		}
	}
}

// reviewAlerts lists the patient's active alerts and acknowledges them.
func reviewAlerts(patientID string) {
	ctx := vitalsGrpc.WithToken(context.Background(), doctorToken)

	resp, err := grpcClient.ListActive(ctx, &vitalsGrpc.ListActiveRequest{PatientID: patientID, Limit: -1})
	if err != nil || !resp.Status.Success {
		failures.Add(1)
		return
	}

	for _, alert := range resp.Alerts {
		if flipCoin() {
			req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/alerts/%s/ack", httpHostPort, alert.ID), nil)
			req.Header.Set("Authorization", "Bearer "+doctorToken)
			httpResp, err := http.DefaultClient.Do(req)
			if err != nil {
				failures.Add(1)
				continue
			}
			httpResp.Body.Close()
			if httpResp.StatusCode != http.StatusOK {
				failures.Add(1)
			}
		} else {
			ackResp, err := grpcClient.Acknowledge(ctx, &vitalsGrpc.AcknowledgeRequest{AlertID: alert.ID})
			if err != nil || !ackResp.Status.Success {
				failures.Add(1)
			}
		}
	}
}
