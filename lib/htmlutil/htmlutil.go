package htmlutil

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"shopsync/lib/textutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/net/html"
)

var tracer = otel.Tracer("shopsync.lib.htmlutil")

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

// Text returns the collapsed text content of every node in sel.
func Text(sel *goquery.Selection) string {
	var buffer strings.Builder
	for _, n := range sel.Nodes {
		buffer.WriteString(GetText(n))
		buffer.WriteByte(' ')
	}
	return textutil.Collapse(buffer.String())
}

// Cells returns the collapsed text of each direct td/th child of a row.
func Cells(row *goquery.Selection) []string {
	cells := []string{}
	row.ChildrenFiltered("td, th").Each(func(_ int, cell *goquery.Selection) {
		cells = append(cells, Text(cell))
	})
	return cells
}

// Parse reads markup into a goquery document. the x/net/html parser is
// lenient, so this only fails on reader errors.
func Parse(ctx context.Context, markup []byte) (*goquery.Document, error) {
	_, span := tracer.Start(ctx, "Parse")
	defer span.End()

	span.SetAttributes(attribute.Int("size", len(markup)))

	root, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse markup")
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	return goquery.NewDocumentFromNode(root), nil
}
