// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "cryptoctl",
		Short: "Hybrid Crypto Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("CRYPTOCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set CRYPTOCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(decryptCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(listKeysCmd())
	rootCmd.AddCommand(breakerCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cryptoctl version %s\n", version)
		},
	}
}

func requireAPIURL() error {
	if apiURL == "" {
		return fmt.Errorf("--api-url is required (or set CRYPTOCTL_API_URL)")
	}
	return nil
}

// postJSON はJSONボディをPOSTし、レスポンスボディとステータスを返す。
func postJSON(url string, reqBody interface{}) (int, []byte, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding request: %w", err)
	}
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// readInput は--dataまたは--fileから入力を読み、base64で返す。
func readInput(data, file string) (string, error) {
	if data != "" {
		return base64.StdEncoding.EncodeToString([]byte(data)), nil
	}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading input file: %w", err)
		}
		return base64.StdEncoding.EncodeToString(raw), nil
	}
	return "", fmt.Errorf("--data or --file is required")
}

// encryptCmd は暗号化コマンド。
func encryptCmd() *cobra.Command {
	var data, file string
	var generation uint
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt data with the hybrid crypto service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}
			plaintext, err := readInput(data, file)
			if err != nil {
				return err
			}

			status, body, err := postJSON(apiURL+"/v1/crypto/encrypt", map[string]interface{}{
				"plaintext":  plaintext,
				"generation": generation,
			})
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Encrypted with %s (generation: %.0f, fallback: %v)\n",
					result["algorithm_id"], result["generation"], result["fallback_used"])
				fmt.Println(string(body))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Plaintext to encrypt")
	cmd.Flags().StringVar(&file, "file", "", "File containing plaintext to encrypt")
	cmd.Flags().UintVar(&generation, "generation", 0, "Key generation (optional, defaults to current)")
	return cmd
}

// decryptCmd は復号コマンド。エンベロープJSONをファイルまたは標準入力から読む。
func decryptCmd() *cobra.Command {
	var envelopeFile string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a ciphertext envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			var raw []byte
			var err error
			if envelopeFile != "" {
				raw, err = os.ReadFile(envelopeFile)
			} else {
				raw, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("reading envelope: %w", err)
			}

			var envelope map[string]interface{}
			if err := json.Unmarshal(raw, &envelope); err != nil {
				return fmt.Errorf("parsing envelope JSON: %w", err)
			}

			status, body, err := postJSON(apiURL+"/v1/crypto/decrypt", envelope)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Plaintext string `json:"plaintext"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				decoded, err := base64.StdEncoding.DecodeString(result.Plaintext)
				if err != nil {
					return fmt.Errorf("decoding plaintext: %w", err)
				}
				os.Stdout.Write(decoded)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&envelopeFile, "envelope", "", "File containing the envelope JSON (defaults to stdin)")
	return cmd
}

// signCmd は署名コマンド。
func signCmd() *cobra.Command {
	var data, file string
	var generation uint
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}
			payload, err := readInput(data, file)
			if err != nil {
				return err
			}

			status, body, err := postJSON(apiURL+"/v1/crypto/sign", map[string]interface{}{
				"payload":    payload,
				"generation": generation,
			})
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Signed with %s (generation: %.0f, fallback: %v)\n",
					result["algorithm_id"], result["generation"], result["fallback_used"])
				fmt.Println(result["signature"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Payload to sign")
	cmd.Flags().StringVar(&file, "file", "", "File containing payload to sign")
	cmd.Flags().UintVar(&generation, "generation", 0, "Key generation (optional, defaults to current)")
	return cmd
}

// verifyCmd は署名検証コマンド。
func verifyCmd() *cobra.Command {
	var data, file, signature, algorithm string
	var generation uint
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}
			payload, err := readInput(data, file)
			if err != nil {
				return err
			}

			status, body, err := postJSON(apiURL+"/v1/crypto/verify", map[string]interface{}{
				"payload":      payload,
				"signature":    signature,
				"algorithm_id": algorithm,
				"generation":   generation,
			})
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}

			var result struct {
				Valid bool `json:"valid"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if output == "json" {
				fmt.Println(string(body))
			} else if result.Valid {
				fmt.Println("Signature is valid")
			} else {
				fmt.Println("Signature is INVALID")
			}
			if !result.Valid {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Signed payload")
	cmd.Flags().StringVar(&file, "file", "", "File containing signed payload")
	cmd.Flags().StringVar(&signature, "signature", "", "Base64 signature (required)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Algorithm ID from the signature envelope (required)")
	cmd.Flags().UintVar(&generation, "generation", 0, "Key generation from the signature envelope")
	cmd.MarkFlagRequired("signature")
	cmd.MarkFlagRequired("algorithm")
	return cmd
}

// keygenCmd は鍵生成コマンド。
func keygenCmd() *cobra.Command {
	var kind, preference string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			status, body, err := postJSON(apiURL+"/v1/keys/", map[string]interface{}{
				"kind":       kind,
				"preference": preference,
			})
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Generated %s key pair %s (generation: %.0f)\n",
					result["kind"], result["algorithm_id"], result["generation"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Key kind: encryption or signing (required)")
	cmd.Flags().StringVar(&preference, "preference", "post-quantum", "Primitive preference: post-quantum or classical")
	cmd.MarkFlagRequired("kind")
	return cmd
}

// rotateCmd は世代ローテーションコマンド。
func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate to a new key generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			status, body, err := postJSON(apiURL+"/v1/keys/rotate", nil)
			if err != nil {
				return err
			}
			if status != http.StatusCreated {
				return handleErrorResponse(status, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Rotated to generation %.0f\n", result["generation"])
			}
			return nil
		},
	}
}

// listKeysCmd は鍵一覧の取得コマンド。
func listKeysCmd() *cobra.Command {
	var generation uint
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			url := apiURL + "/v1/keys/"
			if generation > 0 {
				url = fmt.Sprintf("%s?generation=%d", url, generation)
			}
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Keys []struct {
						AlgorithmID   string `json:"algorithm_id"`
						Kind          string `json:"kind"`
						Generation    uint   `json:"generation"`
						Status        string `json:"status"`
						PublicKeyHash string `json:"public_key_hash"`
						CreatedAt     string `json:"created_at"`
					} `json:"keys"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}

				fmt.Printf("%-26s %-12s %-12s %-10s %-18s %s\n",
					"ALGORITHM", "KIND", "GENERATION", "STATUS", "KEY_HASH", "CREATED_AT")
				for _, k := range result.Keys {
					fmt.Printf("%-26s %-12s %-12d %-10s %-18s %s\n",
						k.AlgorithmID, k.Kind, k.Generation, k.Status, k.PublicKeyHash, k.CreatedAt)
				}
			}
			return nil
		},
	}
	cmd.Flags().UintVar(&generation, "generation", 0, "Filter by key generation")
	return cmd
}

// breakerCmd はブレーカー状態の取得コマンド。
func breakerCmd() *cobra.Command {
	var primitive string
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Show circuit breaker state for a primitive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			resp, err := httpClient.Get(apiURL + "/v1/breakers/" + primitive)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("%s: %s (failures: %.0f, reset timeout: %s)\n",
					result["primitive_id"], result["state"], result["failure_count"], result["reset_timeout"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&primitive, "primitive", "", "Primitive identifier, e.g. ML-KEM-768 (required)")
	cmd.MarkFlagRequired("primitive")
	return cmd
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
