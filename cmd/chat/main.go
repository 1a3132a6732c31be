package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "SolMatch server URL")
	user := flag.String("user", "cli-user", "User ID for chat")
	flag.Parse()

	fmt.Println("SolMatch CLI Chat")
	fmt.Printf("Server: %s | User: %s\n", *server, *user)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Ask for products in plain language; hints like 'industry: fintech' refine your profile.")
	fmt.Println("Commands: /context, /context key=value, /help, /failed")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if input == "/failed" {
			fetchFailed(*server)
			continue
		}

		sendMessage(*server, *user, input)
	}
}

func fetchFailed(server string) {
	resp, err := http.Get(server + "/api/embeddings/failed")
	if err != nil {
		printError("Failed to fetch failed embeddings: %v", err)
		return
	}
	defer resp.Body.Close()

	var payload struct {
		Count      int `json:"count"`
		QueueDepth int `json:"queue_depth"`
		Failed     []struct {
			ProductID string `json:"product_id"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
		} `json:"failed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	fmt.Printf("Queue depth: %d | Failed: %d\n", payload.QueueDepth, payload.Count)
	for _, f := range payload.Failed {
		fmt.Printf("  %s (attempts=%d): %s\n", f.ProductID, f.Attempts, f.LastError)
	}
}

func sendMessage(server, user, content string) {
	body, _ := json.Marshal(map[string]string{
		"user_id":   user,
		"user_name": user,
		"content":   content,
	})

	client := &http.Client{Timeout: 35 * time.Second}
	resp, err := client.Post(
		server+"/api/chat/message",
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var msg struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	fmt.Println(msg.Content)
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
