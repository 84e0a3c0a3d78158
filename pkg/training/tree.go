package training

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Node is one node of a regression tree. Leaves carry the mean target of the
// training rows that reached them.
type Node struct {
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Left      *Node   `json:"l,omitempty"`
	Right     *Node   `json:"r,omitempty"`
	Value     float64 `json:"v,omitempty"`
	Leaf      bool    `json:"leaf,omitempty"`
}

// treeParams bounds tree growth.
type treeParams struct {
	maxDepth   int
	minSamples int
}

// buildTree recursively grows a regression tree using variance reduction,
// trying the median of each feature as the split threshold.
func buildTree(features [][]float64, labels []float64, depth int, p treeParams) *Node {
	if depth >= p.maxDepth || len(labels) < p.minSamples || isConstant(labels) {
		return &Node{Leaf: true, Value: mean(labels)}
	}

	bestFeature, bestThreshold, bestGain := findBestSplit(features, labels)
	if bestGain <= 0 {
		return &Node{Leaf: true, Value: mean(labels)}
	}

	leftF, leftL, rightF, rightL := splitData(features, labels, bestFeature, bestThreshold)
	return &Node{
		Feature:   bestFeature,
		Threshold: bestThreshold,
		Left:      buildTree(leftF, leftL, depth+1, p),
		Right:     buildTree(rightF, rightL, depth+1, p),
	}
}

// findBestSplit returns the feature and threshold with the largest variance
// reduction over the parent.
func findBestSplit(features [][]float64, labels []float64) (int, float64, float64) {
	if len(features) == 0 {
		return 0, 0, 0
	}

	numFeatures := len(features[0])
	bestFeature := 0
	bestThreshold := 0.0
	bestGain := 0.0
	parentImpurity := variance(labels)

	for feature := 0; feature < numFeatures; feature++ {
		values := make([]float64, len(features))
		for i, row := range features {
			values[i] = row[feature]
		}
		threshold := median(values)

		_, leftLabels, _, rightLabels := splitData(features, labels, feature, threshold)
		if len(leftLabels) == 0 || len(rightLabels) == 0 {
			continue
		}

		leftWeight := float64(len(leftLabels)) / float64(len(labels))
		rightWeight := float64(len(rightLabels)) / float64(len(labels))
		gain := parentImpurity - (leftWeight*variance(leftLabels) + rightWeight*variance(rightLabels))

		if gain > bestGain {
			bestGain = gain
			bestFeature = feature
			bestThreshold = threshold
		}
	}

	return bestFeature, bestThreshold, bestGain
}

// predictTree walks the tree for one feature vector.
func predictTree(node *Node, features []float64) float64 {
	for !node.Leaf {
		if features[node.Feature] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node.Value
}

func splitData(features [][]float64, labels []float64, feature int, threshold float64) ([][]float64, []float64, [][]float64, []float64) {
	leftFeatures := [][]float64{}
	leftLabels := []float64{}
	rightFeatures := [][]float64{}
	rightLabels := []float64{}

	for i, row := range features {
		if row[feature] <= threshold {
			leftFeatures = append(leftFeatures, row)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, row)
			rightLabels = append(rightLabels, labels[i])
		}
	}

	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func isConstant(labels []float64) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, v := range labels {
		if v != first {
			return false
		}
	}
	return true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(labels []float64) float64 {
	if len(labels) == 0 {
		return 0
	}
	m := mean(labels)
	sum := 0.0
	for _, v := range labels {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(labels))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
