package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Quad 四顶点二维多边形，顶点按 v1..v4 顺序排列
//
// 构造时预计算各边法线、带符号面积和凸顺时针标志。
// Inside 只在凸顺时针的情况下有明确定义；逆时针时内部的点也判为不在内部，
// 非凸时结果任意（但不会崩溃）。
type Quad struct {
	X1, Y1 float64
	X2, Y2 float64
	X3, Y3 float64
	X4, Y4 float64

	// 边法线（非单位向量）
	nx1, ny1 float64
	nx2, ny2 float64
	nx3, ny3 float64
	nx4, ny4 float64

	area            float64
	convexClockwise bool
}

// NewQuad 从四个顶点坐标构造 Quad
func NewQuad(x1, y1, x2, y2, x3, y3, x4, y4 float64) Quad {
	q := Quad{
		X1: x1, Y1: y1,
		X2: x2, Y2: y2,
		X3: x3, Y3: y3,
		X4: x4, Y4: y4,
	}

	// n_i = (y_{i+1} - y_i, x_i - x_{i+1})
	q.nx1, q.ny1 = y2-y1, x1-x2
	q.nx2, q.ny2 = y3-y2, x2-x3
	q.nx3, q.ny3 = y4-y3, x3-x4
	q.nx4, q.ny4 = y1-y4, x4-x1

	cross12 := q.nx1*q.ny2 - q.ny1*q.nx2
	cross23 := q.nx2*q.ny3 - q.ny2*q.nx3
	cross34 := q.nx3*q.ny4 - q.ny3*q.nx4
	cross41 := q.nx4*q.ny1 - q.ny4*q.nx1

	q.area = -(cross12 + cross34)
	q.convexClockwise = cross12 <= 0 && cross23 <= 0 && cross34 <= 0 && cross41 <= 0

	return q
}

// Area 两组相邻边法线叉积之和取负，即带符号面积的两倍，凸顺时针时非负
func (q Quad) Area() float64 {
	return q.area
}

// ConvexClockwise 四条相邻边法线叉积均不为正时为真
func (q Quad) ConvexClockwise() bool {
	return q.convexClockwise
}

// Perspective 按单应矩阵变换 Quad，返回新 Quad
//
// homography 为 nil 时退化为原点 Quad。
func (q Quad) Perspective(homography *mat.Dense) Quad {
	if homography == nil {
		return Quad{}
	}

	px := [4]float64{q.X1, q.X2, q.X3, q.X4}
	py := [4]float64{q.Y1, q.Y2, q.Y3, q.Y4}

	var tx, ty [4]float64

	for i := 0; i < 4; i++ {
		point := mat.NewVecDense(3, []float64{px[i], py[i], 1})

		var projected mat.VecDense
		projected.MulVec(homography, point)

		w := projected.AtVec(2)
		tx[i] = projected.AtVec(0) / w
		ty[i] = projected.AtVec(1) / w
	}

	return NewQuad(tx[0], ty[0], tx[1], ty[1], tx[2], ty[2], tx[3], ty[3])
}

// Inside 判断点是否落在 Quad 内部（仅对凸顺时针 Quad 有效）
func (q Quad) Inside(x, y float64) bool {
	return (x-q.X1)*q.nx1+(y-q.Y1)*q.ny1 >= 0 &&
		(x-q.X2)*q.nx2+(y-q.Y2)*q.ny2 >= 0 &&
		(x-q.X3)*q.nx3+(y-q.Y3)*q.ny3 >= 0 &&
		(x-q.X4)*q.nx4+(y-q.Y4)*q.ny4 >= 0
}

// Deviation 计算两个 Quad 之间的偏移和形变
//
// 偏移为顶点平均位移的模长，形变为去除平均位移后
// 剩余位移的最大模长。
func (q Quad) Deviation(other Quad) (deviation, deformation float64) {
	dx := [4]float64{other.X1 - q.X1, other.X2 - q.X2, other.X3 - q.X3, other.X4 - q.X4}
	dy := [4]float64{other.Y1 - q.Y1, other.Y2 - q.Y2, other.Y3 - q.Y3, other.Y4 - q.Y4}

	avgx := (dx[0] + dx[1] + dx[2] + dx[3]) / 4
	avgy := (dy[0] + dy[1] + dy[2] + dy[3]) / 4

	maxresidual2 := 0.0

	for i := 0; i < 4; i++ {
		rx := dx[i] - avgx
		ry := dy[i] - avgy

		residual2 := rx*rx + ry*ry
		if residual2 > maxresidual2 {
			maxresidual2 = residual2
		}
	}

	return math.Sqrt(avgx*avgx + avgy*avgy), math.Sqrt(maxresidual2)
}

func (q Quad) String() string {
	return fmt.Sprintf("[(%.1f, %.1f), (%.1f, %.1f), (%.1f, %.1f), (%.1f, %.1f)]",
		q.X1, q.Y1, q.X2, q.Y2, q.X3, q.Y3, q.X4, q.Y4)
}
