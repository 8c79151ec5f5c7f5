package stages

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/dshills/mlpipe-go/pipeline/dataset"
)

// matrix converts a frame into a numeric feature matrix and target
// vector. Categorical targets are encoded as indices into the sorted
// category list, so the encoding is independent of row order.
func matrix(frame *dataset.Frame, features []string, target string) (x [][]float64, y []float64, classes []string, err error) {
	rows := frame.Rows()
	x = make([][]float64, rows)
	for i := range x {
		x[i] = make([]float64, len(features))
	}
	for j, name := range features {
		col, ok := frame.Column(name)
		if !ok {
			return nil, nil, nil, fmt.Errorf("feature column %q not in frame", name)
		}
		if !col.Numeric {
			return nil, nil, nil, fmt.Errorf("feature column %q is not numeric", name)
		}
		for i := 0; i < rows; i++ {
			x[i][j] = col.Floats[i]
		}
	}

	targetCol, ok := frame.Column(target)
	if !ok {
		return nil, nil, nil, fmt.Errorf("target column %q not in frame", target)
	}
	if targetCol.Numeric {
		y = make([]float64, rows)
		copy(y, targetCol.Floats)
		return x, y, nil, nil
	}

	seen := make(map[string]struct{})
	for _, v := range targetCol.Strings {
		seen[v] = struct{}{}
	}
	classes = make([]string, 0, len(seen))
	for v := range seen {
		classes = append(classes, v)
	}
	sort.Strings(classes)
	index := make(map[string]int, len(classes))
	for i, v := range classes {
		index[v] = i
	}
	y = make([]float64, rows)
	for i, v := range targetCol.Strings {
		y[i] = float64(index[v])
	}
	return x, y, classes, nil
}

// splitIndices partitions [0, n) into train and test index sets using a
// seeded shuffle. The same rng state always yields the same split.
func splitIndices(n int, testRatio float64, rng *rand.Rand) (train, test []int) {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })

	testSize := int(float64(n) * testRatio)
	if testSize < 1 && n > 1 {
		testSize = 1
	}
	return indices[testSize:], indices[:testSize]
}

// selectMatrix gathers matrix rows by index.
func selectMatrix(x [][]float64, y []float64, indices []int) ([][]float64, []float64) {
	outX := make([][]float64, len(indices))
	outY := make([]float64, len(indices))
	for i, idx := range indices {
		outX[i] = x[idx]
		outY[i] = y[idx]
	}
	return outX, outY
}

// accuracy is the fraction of exact prediction matches.
func accuracy(pred, actual []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	hits := 0
	for i := range actual {
		if pred[i] == actual[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(actual))
}

// rmse is the root mean squared error.
func rmse(pred, actual []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	sum := 0.0
	for i := range actual {
		d := pred[i] - actual[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(actual)))
}

// mae is the mean absolute error.
func mae(pred, actual []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	sum := 0.0
	for i := range actual {
		sum += math.Abs(pred[i] - actual[i])
	}
	return sum / float64(len(actual))
}

// r2 is the coefficient of determination.
func r2(pred, actual []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range actual {
		mean += v
	}
	mean /= float64(len(actual))

	ssRes, ssTot := 0.0, 0.0
	for i := range actual {
		d := actual[i] - pred[i]
		ssRes += d * d
		t := actual[i] - mean
		ssTot += t * t
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

// trainCandidate fits one model family with the given params.
func trainCandidate(name, task string, x [][]float64, y []float64, params map[string]any, rng *rand.Rand) (Model, error) {
	classification := task == TaskClassification
	switch name {
	case "mean":
		return trainMean(y), nil
	case "majority":
		return trainMajority(y), nil
	case "knn":
		k := cfgInt(params, "k", 5)
		return &KNNModel{K: k, Classification: classification, Features: x, Targets: y}, nil
	case "linear":
		lr := cfgFloat(params, "learning_rate", 0.01)
		epochs := cfgInt(params, "epochs", 100)
		return trainLinear(x, y, lr, epochs, rng)
	}
	return nil, fmt.Errorf("unknown model family %q", name)
}

// score rates predictions: higher is better for both tasks, so RMSE is
// negated for regression.
func score(task string, pred, actual []float64) float64 {
	if task == TaskClassification {
		return accuracy(pred, actual)
	}
	return -rmse(pred, actual)
}
