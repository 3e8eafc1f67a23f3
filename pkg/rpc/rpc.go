// Package rpc exposes the coordinator over an authenticated JSON-RPC 2.0
// endpoint. It is an intake boundary only: rate agreement happens before an
// order reaches Submit, and nothing here touches secret material.
package rpc

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Method is one JSON-RPC method the server dispatches on.
type Method interface {
	Name() string
	Query(params json.RawMessage) (json.RawMessage, error)
}

type Server interface {
	AddMethod(method Method)
	Handler() http.Handler
	Run(addr string) error
}

type server struct {
	logger  *zap.Logger
	methods map[string]Method
	authsha [sha256.Size]byte
}

// Request defines a JSON-RPC 2.0 request object.
type Request struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response defines a JSON-RPC 2.0 response object.
type Response struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error defines a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// Error codes
const (
	ErrorCodeParseError        = -32700
	ErrorMessageParseError     = "Parse error"
	ErrorCodeMethodNotFound    = -32601
	ErrorMessageMethodNotFound = "Method not found"
	ErrorCodeInvalidParams     = -32602
	ErrorMessageInvalidParams  = "Invalid params"
	ErrorCodeInternalError     = -32603
	ErrorMessageInternalError  = "Internal error"
)

func NewResponse(id interface{}, result json.RawMessage, err *Error) Response {
	return Response{
		Version: "2.0",
		ID:      id,
		Result:  result,
		Error:   err,
	}
}

func NewError(code int, message string, data string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

func NewServer(username, password string, logger *zap.Logger) (Server, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("rpc username and password must be specified")
	}
	login := username + ":" + password
	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(login))
	return &server{
		logger:  logger,
		methods: map[string]Method{},
		authsha: sha256.Sum256([]byte(auth)),
	}, nil
}

func (s *server) AddMethod(method Method) {
	s.methods[method.Name()] = method
}

func (s *server) handleJSONRPC(ctx *gin.Context) {
	req := Request{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, NewResponse(req.ID, nil, NewError(ErrorCodeParseError, ErrorMessageParseError, err.Error())))
		return
	}

	method, ok := s.methods[req.Method]
	if !ok {
		ctx.JSON(http.StatusNotFound, NewResponse(req.ID, nil, NewError(ErrorCodeMethodNotFound, ErrorMessageMethodNotFound, "")))
		return
	}

	result, err := method.Query(req.Params)
	if err != nil {
		s.logger.Debug("method failed", zap.String("method", req.Method), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, NewResponse(req.ID, nil, NewError(ErrorCodeInternalError, ErrorMessageInternalError, err.Error())))
		return
	}

	ctx.JSON(http.StatusOK, NewResponse(req.ID, result, nil))
}

func (s *server) authenticateUser(ctx *gin.Context) {
	authhdr := ctx.GetHeader("Authorization")
	if len(authhdr) == 0 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized Invalid credentials"})
		return
	}
	authsha := sha256.Sum256([]byte(authhdr))
	if subtle.ConstantTimeCompare(authsha[:], s.authsha[:]) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized Invalid credentials"})
		return
	}
}

// Handler builds the gin engine, exposed separately so tests can drive it
// through httptest.
func (s *server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	authRoutes := engine.Group("/")
	authRoutes.Use(s.authenticateUser)
	authRoutes.POST("/", s.handleJSONRPC)
	return engine
}

func (s *server) Run(addr string) error {
	s.logger.Info("rpc server listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}
