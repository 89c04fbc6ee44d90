package chainfeed

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// getTransactionsRequest is the indexer's GetTransactions streaming request
// (§6): an optional resumption cursor, no batch cap.
type getTransactionsRequest struct {
	StartingVersion *uint64 `json:"starting_version,omitempty"`
}

// wireTransaction is one transaction as the indexer streams it.
type wireTransaction struct {
	Version uint64           `json:"version"`
	Type    string           `json:"type"` // "genesis_transaction" | "user_transaction" | "block_metadata_transaction" | ...
	Events  []wireEvent      `json:"events"`
}

type wireEvent struct {
	Type wireEventType `json:"type"`
	Data string        `json:"data"`
}

type wireEventType struct {
	Address string `json:"address"`
	Module  string `json:"module"`
	Name    string `json:"name"`
}

// getTransactionsResponse is one streamed batch.
type getTransactionsResponse struct {
	Transactions []wireTransaction `json:"transactions"`
}

// TransactionStream is the subset of a gRPC server-stream this package
// consumes.
type TransactionStream interface {
	Recv() (*getTransactionsResponse, error)
	CloseSend() error
}

// IndexerClient opens the indexer's authenticated GetTransactions stream.
// Modeled on core/ai.go's AIStubClient: a small hand-written interface in
// front of an external gRPC service, rather than a generated client, since
// the indexer's proto definitions are outside this system's scope (§1).
type IndexerClient interface {
	GetTransactions(ctx context.Context, startingVersion *uint64) (TransactionStream, error)
}

const getTransactionsMethod = "/aptos.indexer.v1.RawData/GetTransactions"

// grpcIndexerClient is the production IndexerClient, authenticating with a
// bearer token per §4.1/§6.
type grpcIndexerClient struct {
	conn      *grpc.ClientConn
	authToken string
}

// DialIndexer opens a gRPC connection to the indexer at indexerURL. TLS is
// used unless insecureTransport is set (local/dev indexers only).
func DialIndexer(indexerURL, authToken string, insecureTransport bool) (IndexerClient, error) {
	var creds credentials.TransportCredentials
	if insecureTransport {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(nil)
	}
	conn, err := grpc.NewClient(indexerURL, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("chainfeed: dial indexer: %w", err)
	}
	return &grpcIndexerClient{conn: conn, authToken: authToken}, nil
}

func (c *grpcIndexerClient) GetTransactions(ctx context.Context, startingVersion *uint64) (TransactionStream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.authToken)
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, getTransactionsMethod,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fmt.Errorf("chainfeed: open stream: %w", err)
	}
	req := getTransactionsRequest{StartingVersion: startingVersion}
	if err := stream.SendMsg(&req); err != nil {
		return nil, fmt.Errorf("chainfeed: send request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("chainfeed: close send: %w", err)
	}
	return &clientStreamAdapter{stream}, nil
}

// clientStreamAdapter adapts grpc.ClientStream's generic RecvMsg to the
// typed Recv this package's callers expect.
type clientStreamAdapter struct {
	grpc.ClientStream
}

func (a *clientStreamAdapter) Recv() (*getTransactionsResponse, error) {
	var resp getTransactionsResponse
	if err := a.ClientStream.RecvMsg(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
