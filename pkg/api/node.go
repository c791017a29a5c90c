package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"blocksnap/pkg/contentstore"
	"blocksnap/pkg/types"
)

// MediaNode is the part of a node the API serves.
type MediaNode interface {
	ID() types.NodeID
	RegisterMedia(ctx context.Context, fact *types.MediaRecord) error
	GetRegisteredMedia(mediaType types.MediaType, owner string) []*types.MediaRecord
	LookupMedia(txHash types.TxHash) (*types.MediaRecord, bool)
	VerifyAcrossNetwork(ctx context.Context, txHash types.TxHash) (*types.VerifyResult, error)
	Peers() []types.NodeRecord
}

type LedgerVerifier interface {
	VerifyTransaction(ctx context.Context, txHash types.TxHash) (bool, *types.MediaRecord, error)
}

// PhotoVerifier looks a minted photo up by its content identifier.
type PhotoVerifier interface {
	VerifyPhoto(ctx context.Context, contentID string) (bool, string, error)
}

type NodeLister interface {
	ListActive(ctx context.Context) ([]types.NodeRecord, error)
}

type ContentStore interface {
	Get(ctx context.Context, contentID string) ([]byte, error)
	Has(ctx context.Context, contentID string) bool
	GatewayURL(contentID string) string
}

// MaxUploadBytes caps files posted to /api/verify/file.
const MaxUploadBytes = 100 << 20

// NodeHandler serves a node's media registry and verification. Ledger,
// Photos, Directory and Content are optional.
type NodeHandler struct {
	Node      MediaNode
	Ledger    LedgerVerifier
	Photos    PhotoVerifier
	Directory NodeLister
	Content   ContentStore
	Logger    *zap.Logger
}

// VerifyTxResponse merges the ledger/peer answer with content availability.
type VerifyTxResponse struct {
	types.VerifyAnswer
	Source     string `json:"source,omitempty"`
	ContentURL string `json:"content_url,omitempty"`
}

// VerifyContentResponse answers a lookup by content identifier.
type VerifyContentResponse struct {
	ContentID            string `json:"cid"`
	ExistsOnBlockchain   bool   `json:"exists_on_blockchain"`
	ExistsOnContentStore bool   `json:"exists_on_content_store"`
	Owner                string `json:"owner,omitempty"`
	ContentURL           string `json:"content_url,omitempty"`
}

func (h *NodeHandler) RegisterRoutes(e *echo.Echo) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	e.GET("/health", h.handleHealth)
	e.POST("/api/media", h.handleRegisterMedia)
	e.GET("/api/media", h.handleListMedia)
	e.GET("/api/verify/tx/:tx_hash", h.handleVerifyTx)
	e.GET("/api/verify/cid/:cid", h.handleVerifyCID)
	e.POST("/api/verify/file", h.handleVerifyFile)
	e.GET("/api/peers", h.handlePeers)
	e.GET("/api/network/nodes", h.handleNetworkNodes)
	e.GET("/api/content/:cid", h.handleContent)
}

func (h *NodeHandler) handleHealth(c echo.Context) error {
	return healthy(c, echo.Map{
		"node_id": h.Node.ID(),
		"peers":   len(h.Node.Peers()),
	})
}

func (h *NodeHandler) handleRegisterMedia(c echo.Context) error {
	var rec types.MediaRecord
	if err := c.Bind(&rec); err != nil {
		return badRequest(c, err)
	}

	if err := h.Node.RegisterMedia(c.Request().Context(), &rec); err != nil {
		if errors.Is(err, types.ErrMissingTxHash) {
			return badRequest(c, err)
		}
		return internalError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"status":  "registered",
		"tx_hash": rec.TxHash,
	})
}

func (h *NodeHandler) handleListMedia(c echo.Context) error {
	mediaType := types.MediaType(c.QueryParam("type"))
	owner := c.QueryParam("owner")
	return c.JSON(http.StatusOK, h.Node.GetRegisteredMedia(mediaType, owner))
}

// handleVerifyTx asks the ledger first and the peer network second. A fact
// the ledger confirms is registered locally so peers can learn it.
func (h *NodeHandler) handleVerifyTx(c echo.Context) error {
	ctx := c.Request().Context()
	txHash := types.TxHash(strings.TrimSpace(c.Param("tx_hash")))
	if txHash == "" {
		return badRequest(c, types.ErrMissingTxHash)
	}

	if h.Ledger != nil {
		exists, fact, err := h.Ledger.VerifyTransaction(ctx, txHash)
		switch {
		case err != nil:
			h.Logger.Warn("Ledger verification failed, asking the network",
				zap.String("tx_hash", string(txHash)),
				zap.Error(err))
		case exists && fact != nil:
			h.rememberLedgerFact(ctx, txHash, fact)
			return c.JSON(http.StatusOK, h.withContent(ctx, VerifyTxResponse{
				VerifyAnswer: *types.AnswerFromRecord(fact),
				Source:       "ledger",
			}))
		}
	}

	result, err := h.Node.VerifyAcrossNetwork(ctx, txHash)
	if err != nil {
		if errors.Is(err, types.ErrMissingTxHash) {
			return badRequest(c, err)
		}
		return internalError(c, err)
	}
	if !result.Verified {
		return c.JSON(http.StatusOK, VerifyTxResponse{
			VerifyAnswer: types.VerifyAnswer{
				TxHash:  txHash,
				Message: result.Message,
			},
		})
	}

	answer := types.AnswerFromRecord(result.MediaInfo)
	answer.TxHash = txHash
	return c.JSON(http.StatusOK, h.withContent(ctx, VerifyTxResponse{
		VerifyAnswer: *answer,
		Source:       result.Source,
	}))
}

func (h *NodeHandler) rememberLedgerFact(ctx context.Context, txHash types.TxHash, fact *types.MediaRecord) {
	if _, known := h.Node.LookupMedia(txHash); known {
		return
	}
	rec := fact.Clone()
	rec.TxHash = txHash
	if err := h.Node.RegisterMedia(ctx, rec); err != nil {
		h.Logger.Warn("Failed to register ledger-confirmed media",
			zap.String("tx_hash", string(txHash)),
			zap.Error(err))
	}
}

func (h *NodeHandler) withContent(ctx context.Context, resp VerifyTxResponse) VerifyTxResponse {
	if h.Content == nil || resp.ContentID == "" {
		return resp
	}
	if h.Content.Has(ctx, resp.ContentID) {
		resp.ExistsOnContentStore = true
		resp.ContentURL = h.Content.GatewayURL(resp.ContentID)
	}
	return resp
}

func (h *NodeHandler) handleVerifyCID(c echo.Context) error {
	parsed, err := contentstore.ParseContentID(c.Param("cid"))
	if err != nil {
		return badRequest(c, err)
	}
	return h.verifyContent(c, parsed.String())
}

// handleVerifyFile hashes the uploaded "file" part into a raw-codec CID and
// checks that CID against the ledger.
func (h *NodeHandler) handleVerifyFile(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, errors.New("no file uploaded"))
	}
	if fh.Size > MaxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("file exceeds %d bytes", MaxUploadBytes)})
	}

	f, err := fh.Open()
	if err != nil {
		return internalError(c, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxUploadBytes+1))
	if err != nil {
		return internalError(c, err)
	}
	if len(data) > MaxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("file exceeds %d bytes", MaxUploadBytes)})
	}

	id, err := contentstore.CalculateCID(data)
	if err != nil {
		return internalError(c, err)
	}
	return h.verifyContent(c, id)
}

func (h *NodeHandler) verifyContent(c echo.Context, id string) error {
	if h.Photos == nil {
		return unavailable(c, "no ledger configured")
	}
	ctx := c.Request().Context()

	exists, owner, err := h.Photos.VerifyPhoto(ctx, id)
	if err != nil {
		h.Logger.Warn("Photo verification failed", zap.String("cid", id), zap.Error(err))
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}

	resp := VerifyContentResponse{ContentID: id, ExistsOnBlockchain: exists}
	if exists {
		resp.Owner = owner
	}
	if h.Content != nil && h.Content.Has(ctx, id) {
		resp.ExistsOnContentStore = true
		resp.ContentURL = h.Content.GatewayURL(id)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *NodeHandler) handlePeers(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Node.Peers())
}

func (h *NodeHandler) handleNetworkNodes(c echo.Context) error {
	if h.Directory == nil {
		return unavailable(c, "no peer directory configured")
	}
	nodes, err := h.Directory.ListActive(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, nodes)
}

func (h *NodeHandler) handleContent(c echo.Context) error {
	if h.Content == nil {
		return unavailable(c, "no content store configured")
	}
	data, err := h.Content.Get(c.Request().Context(), c.Param("cid"))
	switch {
	case errors.Is(err, contentstore.ErrInvalidCID):
		return badRequest(c, err)
	case errors.Is(err, contentstore.ErrNotFound):
		return notFound(c, err.Error())
	case err != nil:
		return internalError(c, err)
	}
	return c.Blob(http.StatusOK, http.DetectContentType(data), data)
}
