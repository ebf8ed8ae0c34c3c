package tensor

import (
	"fmt"
	"runtime"
	"sync"
)

// parallelFor splits [0, n) across up to GOMAXPROCS goroutines and waits for
// completion. Used by the convolution and pooling kernels to parallelize over
// the batch dimension.
func parallelFor(n int, body func(start, end int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		body(0, n)
		return
	}

	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			body(s, e)
		}(start, end)
	}
	wg.Wait()
}

func conv2DOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// Conv2D performs a 2-D cross-correlation of input [B, inC, H, W] with
// weight [outC, inC, kH, kW] and optional bias [outC].
func Conv2D(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if input.DType != Float32 || weight.DType != Float32 {
		return nil, fmt.Errorf("Conv2D requires Float32 tensors")
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D weight [out, in, kh, kw], got shape %v", weight.Shape)
	}
	if stride <= 0 {
		return nil, fmt.Errorf("Conv2D stride must be positive, got %d", stride)
	}

	batch, inC, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outC, wInC, kH, kW := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if inC != wInC {
		return nil, fmt.Errorf("Conv2D channel mismatch: input %d, weight %d", inC, wInC)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != outC) {
		return nil, fmt.Errorf("Conv2D bias must have shape [%d], got %v", outC, bias.Shape)
	}

	outH := conv2DOutputSize(inH, kH, stride, padding)
	outW := conv2DOutputSize(inW, kW, stride, padding)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("Conv2D output would be empty for input %v kernel %dx%d stride %d padding %d", input.Shape, kH, kW, stride, padding)
	}

	out, err := NewTensor([]int{batch, outC, outH, outW}, Float32, nil)
	if err != nil {
		return nil, err
	}

	in := input.Data.([]float32)
	w := weight.Data.([]float32)
	dst := out.Data.([]float32)
	var biasData []float32
	if bias != nil {
		biasData = bias.Data.([]float32)
	}

	inImg := inC * inH * inW
	outImg := outC * outH * outW

	parallelFor(batch, func(start, end int) {
		for b := start; b < end; b++ {
			for oc := 0; oc < outC; oc++ {
				for oy := 0; oy < outH; oy++ {
					for ox := 0; ox < outW; ox++ {
						var acc float32
						if biasData != nil {
							acc = biasData[oc]
						}
						for ic := 0; ic < inC; ic++ {
							for ky := 0; ky < kH; ky++ {
								iy := oy*stride - padding + ky
								if iy < 0 || iy >= inH {
									continue
								}
								for kx := 0; kx < kW; kx++ {
									ix := ox*stride - padding + kx
									if ix < 0 || ix >= inW {
										continue
									}
									acc += in[b*inImg+ic*inH*inW+iy*inW+ix] *
										w[oc*inC*kH*kW+ic*kH*kW+ky*kW+kx]
								}
							}
						}
						dst[b*outImg+oc*outH*outW+oy*outW+ox] = acc
					}
				}
			}
		}
	})

	return out, nil
}

// conv2DBackward computes input, weight, and bias gradients for Conv2D.
func conv2DBackward(input, weight *Tensor, hasBias bool, stride, padding int, gradOut *Tensor) (gradInput, gradWeight, gradBias *Tensor, err error) {
	batch, inC, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outC, _, kH, kW := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	outH, outW := gradOut.Shape[2], gradOut.Shape[3]

	gradInput, err = Zeros(input.Shape, Float32)
	if err != nil {
		return nil, nil, nil, err
	}
	gradWeight, err = Zeros(weight.Shape, Float32)
	if err != nil {
		return nil, nil, nil, err
	}
	if hasBias {
		gradBias, err = Zeros([]int{outC}, Float32)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	in := input.Data.([]float32)
	w := weight.Data.([]float32)
	gOut := gradOut.Data.([]float32)
	gIn := gradInput.Data.([]float32)
	gW := gradWeight.Data.([]float32)

	inImg := inC * inH * inW
	outImg := outC * outH * outW
	wSize := outC * inC * kH * kW

	// Input gradients are disjoint per batch element and parallelize cleanly;
	// weight and bias gradients are reduced from per-worker partials.
	workers := runtime.GOMAXPROCS(0)
	if workers > batch {
		workers = batch
	}
	if workers < 1 {
		workers = 1
	}
	partialW := make([][]float32, workers)
	partialB := make([][]float32, workers)

	var wg sync.WaitGroup
	chunk := (batch + workers - 1) / workers
	for wkr := 0; wkr < workers; wkr++ {
		start := wkr * chunk
		end := start + chunk
		if end > batch {
			end = batch
		}
		if start >= end {
			break
		}
		pw := make([]float32, wSize)
		var pb []float32
		if hasBias {
			pb = make([]float32, outC)
		}
		partialW[wkr] = pw
		partialB[wkr] = pb

		wg.Add(1)
		go func(s, e int, pw, pb []float32) {
			defer wg.Done()
			for b := s; b < e; b++ {
				for oc := 0; oc < outC; oc++ {
					for oy := 0; oy < outH; oy++ {
						for ox := 0; ox < outW; ox++ {
							g := gOut[b*outImg+oc*outH*outW+oy*outW+ox]
							if g == 0 {
								continue
							}
							if pb != nil {
								pb[oc] += g
							}
							for ic := 0; ic < inC; ic++ {
								for ky := 0; ky < kH; ky++ {
									iy := oy*stride - padding + ky
									if iy < 0 || iy >= inH {
										continue
									}
									for kx := 0; kx < kW; kx++ {
										ix := ox*stride - padding + kx
										if ix < 0 || ix >= inW {
											continue
										}
										inIdx := b*inImg + ic*inH*inW + iy*inW + ix
										wIdx := oc*inC*kH*kW + ic*kH*kW + ky*kW + kx
										gIn[inIdx] += g * w[wIdx]
										pw[wIdx] += g * in[inIdx]
									}
								}
							}
						}
					}
				}
			}
		}(start, end, pw, pb)
	}
	wg.Wait()

	for _, pw := range partialW {
		if pw == nil {
			continue
		}
		for i, v := range pw {
			gW[i] += v
		}
	}
	if hasBias {
		gB := gradBias.Data.([]float32)
		for _, pb := range partialB {
			if pb == nil {
				continue
			}
			for i, v := range pb {
				gB[i] += v
			}
		}
	}

	return gradInput, gradWeight, gradBias, nil
}

// MaxPool2D performs 2-D max pooling on input [B, C, H, W] and also returns
// the flat index of each selected element for use in the backward pass.
func MaxPool2D(input *Tensor, kernelSize, stride, padding int) (*Tensor, []int32, error) {
	if input.DType != Float32 {
		return nil, nil, fmt.Errorf("MaxPool2D requires a Float32 tensor")
	}
	if len(input.Shape) != 4 {
		return nil, nil, fmt.Errorf("MaxPool2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	if stride <= 0 {
		stride = kernelSize
	}

	batch, channels, inH, inW := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH := conv2DOutputSize(inH, kernelSize, stride, padding)
	outW := conv2DOutputSize(inW, kernelSize, stride, padding)
	if outH <= 0 || outW <= 0 {
		return nil, nil, fmt.Errorf("MaxPool2D output would be empty for input %v kernel %d stride %d", input.Shape, kernelSize, stride)
	}

	out, err := NewTensor([]int{batch, channels, outH, outW}, Float32, nil)
	if err != nil {
		return nil, nil, err
	}

	in := input.Data.([]float32)
	dst := out.Data.([]float32)
	indices := make([]int32, out.NumElems)

	inImg := channels * inH * inW
	outImg := channels * outH * outW

	parallelFor(batch, func(start, end int) {
		for b := start; b < end; b++ {
			for c := 0; c < channels; c++ {
				for oy := 0; oy < outH; oy++ {
					for ox := 0; ox < outW; ox++ {
						best := float32(0)
						bestIdx := int32(-1)
						for ky := 0; ky < kernelSize; ky++ {
							iy := oy*stride - padding + ky
							if iy < 0 || iy >= inH {
								continue
							}
							for kx := 0; kx < kernelSize; kx++ {
								ix := ox*stride - padding + kx
								if ix < 0 || ix >= inW {
									continue
								}
								idx := b*inImg + c*inH*inW + iy*inW + ix
								if bestIdx < 0 || in[idx] > best {
									best = in[idx]
									bestIdx = int32(idx)
								}
							}
						}
						outIdx := b*outImg + c*outH*outW + oy*outW + ox
						dst[outIdx] = best
						indices[outIdx] = bestIdx
					}
				}
			}
		}
	})

	return out, indices, nil
}

// maxPool2DBackward scatters output gradients back to the positions recorded
// during the forward pass.
func maxPool2DBackward(inputShape []int, indices []int32, gradOut *Tensor) (*Tensor, error) {
	gradInput, err := Zeros(inputShape, Float32)
	if err != nil {
		return nil, err
	}

	gIn := gradInput.Data.([]float32)
	gOut := gradOut.Data.([]float32)
	for i, idx := range indices {
		if idx >= 0 {
			gIn[idx] += gOut[i]
		}
	}
	return gradInput, nil
}
