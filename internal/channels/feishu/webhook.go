package feishu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// MessageEvent is the subset of Feishu's im.message.receive_v1 event
// schema this adapter consumes.
type MessageEvent struct {
	Header struct {
		EventType string `json:"event_type"`
	} `json:"header"`
	Event struct {
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"` // "p2p" or "group"
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			RootID      string `json:"root_id,omitempty"`
			ParentID    string `json:"parent_id,omitempty"`
			Mentions    []struct {
				Key string `json:"key"`
				ID  struct {
					OpenID string `json:"open_id"`
				} `json:"id"`
				Name string `json:"name"`
			} `json:"mentions"`
		} `json:"message"`
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
	} `json:"event"`
}

type encryptedEnvelope struct {
	Encrypt string `json:"encrypt"`
}

type urlVerification struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
}

// NewWebhookHandler builds the HTTP handler for Feishu's Events API push
// callback: it answers the one-time URL verification challenge, decrypts
// the body when an encrypt key is configured, checks the verification
// token, and hands decoded message events to onEvent.
func NewWebhookHandler(verificationToken, encryptKey string, onEvent func(event *MessageEvent)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if encryptKey != "" {
			raw, err = decryptEnvelope(raw, encryptKey)
			if err != nil {
				slog.Warn("feishu webhook: decrypt failed", "error", err)
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
		}

		var uv urlVerification
		if json.Unmarshal(raw, &uv) == nil && uv.Type == "url_verification" {
			if verificationToken != "" && uv.Token != verificationToken {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"challenge": uv.Challenge})
			return
		}

		var event MessageEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		onEvent(&event)
		w.WriteHeader(http.StatusOK)
	}
}

// decryptEnvelope unwraps Feishu's {"encrypt": "..."} body: AES-256-CBC
// with a SHA-256-derived key and the ciphertext's leading 16 bytes as IV,
// PKCS7-padded.
func decryptEnvelope(body []byte, encryptKey string) ([]byte, error) {
	var env encryptedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Encrypt)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, io.ErrUnexpectedEOF
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv := ciphertext[:aes.BlockSize]
	data := ciphertext[aes.BlockSize:]
	mode := cipher.NewCBCDecrypter(block, iv)
	plain := make([]byte, len(data))
	mode.CryptBlocks(plain, data)

	return pkcs7Unpad(plain), nil
}

func pkcs7Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	padLen := int(data[len(data)-1])
	if padLen <= 0 || padLen > len(data) {
		return data
	}
	return data[:len(data)-padLen]
}
