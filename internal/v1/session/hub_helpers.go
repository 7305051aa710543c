package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mymeet/signaling/internal/v1/auth"
	"github.com/mymeet/signaling/internal/v1/logging"
)

// tokenExtractionResult holds the result of token extraction.
type tokenExtractionResult struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// extractToken extracts the JWT from the Sec-WebSocket-Protocol header or
// the token query parameter. The header is preferred; browsers cannot set
// Authorization on WebSocket upgrades, so the token rides the subprotocol
// list alongside the "access_token" marker.
func (h *Hub) extractToken(c *gin.Context) (*tokenExtractionResult, error) {
	result := &tokenExtractionResult{}

	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p == "access_token" {
				result.HasAccessTokenProtocol = true
				continue
			}
			if p == "" || result.Token != "" {
				continue
			}
			// Any other entry is a candidate token. Only a token that
			// actually validates is accepted from the header.
			if _, err := h.validator.ValidateToken(p); err == nil {
				result.Token = p
				result.FromHeader = true
			}
		}
	}

	// Legacy fallback: token in the query string.
	if result.Token == "" {
		result.Token = c.Query("token")
		result.FromHeader = false
		if result.Token != "" {
			logging.Warn(c.Request.Context(), "Token extracted from query parameter (legacy)")
		}
	}

	if result.Token == "" {
		logging.Warn(c.Request.Context(), "No token provided in request")
		return nil, fmt.Errorf("token not provided")
	}

	return result, nil
}

// validateOrigin checks the request origin against the allowed list.
// Requests without an Origin header are allowed; those come from
// non-browser clients.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(r.Context(), "Invalid origin URL",
			zap.String("origin", origin),
			zap.Error(err),
		)
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(r.Context(), "Origin not in allowed list",
		zap.String("origin", origin),
		zap.Strings("allowedOrigins", allowedOrigins),
	)
	return fmt.Errorf("origin not allowed: %s", origin)
}

// authenticateUser validates the token and returns its claims.
func (h *Hub) authenticateUser(ctx context.Context, token string) (*auth.CustomClaims, error) {
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(ctx, "Token validation failed", zap.Error(err))
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// clientSetupParams carries everything needed to build a client.
type clientSetupParams struct {
	RoomID   RoomIdType
	UserID   UserIdType
	Username string // From query param
	Claims   *auth.CustomClaims
	DevMode  bool
	Conn     wsConnection
}

// setupClientConnection resolves the room and builds the client for a new
// connection. Every connection starts in the waiting role; admission
// moves it forward.
func (h *Hub) setupClientConnection(ctx context.Context, params *clientSetupParams) (*Client, *Room) {
	room := h.getOrCreateRoom(ctx, params.RoomID)

	// Display name preference: query param, then token name claim, then
	// email prefix, then the bare subject.
	displayName := params.Username
	if displayName == "" {
		displayName = params.Claims.Subject
		if params.Claims.Name != "" {
			displayName = params.Claims.Name
		} else if params.Claims.Email != "" {
			if parts := strings.Split(params.Claims.Email, "@"); len(parts) > 0 {
				displayName = parts[0]
			}
		}
	}

	client := &Client{
		conn:        params.Conn,
		send:        make(chan []byte, sendQueueDepth),
		room:        room,
		ConnID:      ConnIdType(uuid.NewString()),
		UserID:      params.UserID,
		DisplayName: DisplayNameType(displayName),
		Role:        RoleTypeWaiting,
	}

	// With the mock validator every tab shares the same subject, which
	// makes one user both host and waiting guest. Dev mode keys identity
	// off the username instead.
	if params.DevMode && params.Username != "" {
		client.UserID = UserIdType(params.Username)
		logging.Info(ctx, "Dev mode: overriding user id with username",
			zap.String("userId", string(client.UserID)),
		)
	}

	logging.Info(ctx, "Setting up client connection",
		zap.String("connId", string(client.ConnID)),
		zap.String("userId", string(client.UserID)),
		zap.String("displayName", displayName),
	)

	return client, room
}

// upgradeWebSocket performs the protocol upgrade. Isolated I/O glue.
func (h *Hub) upgradeWebSocket(c *gin.Context, allowedOrigins []string, tokenResult *tokenExtractionResult) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// Origin already validated before the upgrade.
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	// Echo the subprotocol the client negotiated the token through,
	// otherwise browsers abort the handshake.
	responseHeader := http.Header{}
	if tokenResult.FromHeader {
		if tokenResult.HasAccessTokenProtocol {
			responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
		} else {
			responseHeader.Set("Sec-WebSocket-Protocol", tokenResult.Token)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}

	return conn, nil
}
