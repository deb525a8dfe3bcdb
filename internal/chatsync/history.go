package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rajivgeraev/automarket-api/internal/models"
)

// HistoryFetcher источник истории переписки
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, carID, otherPartyID string) ([]models.Message, error)
}

// historyLimit сколько последних сообщений подтягивается за раз
const historyLimit = models.MaxPageLimit

// RESTHistory читает историю из GET /api/conversations/:carId/:userId/messages
type RESTHistory struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewRESTHistory создаёт клиента истории поверх REST API
func NewRESTHistory(baseURL, token string) *RESTHistory {
	return &RESTHistory{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *RESTHistory) FetchHistory(ctx context.Context, carID, otherPartyID string) ([]models.Message, error) {
	endpoint := fmt.Sprintf("%s/api/conversations/%s/%s/messages?limit=%d",
		h.BaseURL, url.PathEscape(carID), url.PathEscape(otherPartyID), historyLimit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("fetch history: status %d: %s", resp.StatusCode, body.Error)
	}

	var page models.Page[models.Message]
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return page.Items, nil
}
